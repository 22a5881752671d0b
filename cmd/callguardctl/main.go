package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"callguard/pkg/config"
	"callguard/pkg/version"
)

//nolint:gochecknoglobals // shared so buffered input survives between prompts
var stdin = bufio.NewReader(os.Stdin)

func main() {
	if len(os.Args) == 2 && os.Args[1] == "version" {
		fmt.Println(version.String("callguardctl"))
		return
	}
	if len(os.Args) < 3 || os.Args[1] != "secrets" {
		printUsage()
		os.Exit(1)
	}

	action := os.Args[2]
	var dir string
	flagSet := flag.NewFlagSet("callguardctl", flag.ExitOnError)
	flagSet.StringVar(&dir, "statedir", ".", "Directory holding .callguard/secrets.json.enc")
	flagSet.Usage = printUsage
	if err := flagSet.Parse(os.Args[3:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	var err error
	switch action {
	case "set":
		err = setSecret(dir, flagSet.Args())
	case "list":
		err = listSecrets(dir)
	case "delete":
		err = deleteSecret(dir, flagSet.Args())
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown action '%s'\n\n", action)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: callguardctl secrets <action> [flags] [args]
       callguardctl version

Actions:
  set <NAME> [VALUE]   Store a secret. VALUE is read from stdin when omitted.
  list                 List stored secret names.
  delete <NAME>        Remove a secret.

Flags:
  -statedir DIR        Directory holding .callguard/secrets.json.enc (default: .)

The password is read from %s or prompted for.
`, config.EnvPassword)
}

func setSecret(dir string, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("set takes NAME and an optional VALUE")
	}
	name := args[0]

	value := ""
	if len(args) == 2 {
		value = args[1]
	} else {
		fmt.Fprintf(os.Stderr, "Value for %s: ", name)
		line, err := readLine(true)
		if err != nil {
			return err
		}
		value = line
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("refusing to store an empty value for %s", name)
	}

	password, err := readPassword(dir)
	if err != nil {
		return err
	}
	vault, err := config.UnlockVault(dir, password)
	if err != nil {
		return err
	}
	vault.Set(name, value)
	if err := vault.Save(dir, password); err != nil {
		return err
	}
	fmt.Printf("✅ Stored %s in %s\n", name, config.SecretsPath(dir))
	return nil
}

func listSecrets(dir string) error {
	if !config.SecretsFileExists(dir) {
		fmt.Println("No secrets file.")
		return nil
	}
	password, err := readPassword(dir)
	if err != nil {
		return err
	}
	vault, err := config.UnlockVault(dir, password)
	if err != nil {
		return err
	}
	for _, name := range vault.Names() {
		fmt.Println(name)
	}
	return nil
}

func deleteSecret(dir string, args []string) error {
	if len(args) != 1 {
		return errors.New("delete takes exactly one NAME")
	}
	if !config.SecretsFileExists(dir) {
		return fmt.Errorf("no secrets file at %s", config.SecretsPath(dir))
	}
	password, err := readPassword(dir)
	if err != nil {
		return err
	}
	vault, err := config.UnlockVault(dir, password)
	if err != nil {
		return err
	}
	vault.Delete(args[0])
	if err := vault.Save(dir, password); err != nil {
		return err
	}
	fmt.Printf("🗑️  Deleted %s\n", args[0])
	return nil
}

// readPassword returns CALLGUARD_PASSWORD or prompts for it. A new secrets file asks for
// confirmation.
func readPassword(dir string) (string, error) {
	if pw := os.Getenv(config.EnvPassword); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := readLine(false)
	if err != nil {
		return "", err
	}
	if config.SecretsFileExists(dir) {
		return first, nil
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := readLine(false)
	if err != nil {
		return "", err
	}
	if !bytes.Equal([]byte(first), []byte(second)) {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

// readLine reads one line from stdin without echo when it is a terminal.
func readLine(echo bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !echo && term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}

	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
