// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// matriisi-login authenticates against a Matrix homeserver with a
// username and password and writes the resulting access token to a
// file, ready to be referenced from a matriisi config's
// access_token_file. The password is prompted on the terminal with
// echo disabled, or read from --password-file for scripted use.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/matriisi/matriisi/matrix"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var homeserverURL string
	var passwordFile string
	var tokenFile string

	flagSet := pflag.NewFlagSet("matriisi-login", pflag.ContinueOnError)
	flagSet.StringVar(&homeserverURL, "homeserver", "http://localhost:8008", "Matrix homeserver URL")
	flagSet.StringVar(&passwordFile, "password-file", "", "path to file containing the password, or - to prompt (default: prompt)")
	flagSet.StringVar(&tokenFile, "token-file", "", "write the access token to this file instead of stdout")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) < 1 {
		printHelp(flagSet)
		return fmt.Errorf("username is required")
	}
	username := args[0]
	if len(args) > 1 {
		return fmt.Errorf("unexpected argument: %s", args[1])
	}

	password, err := readPassword(passwordFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := matrix.NewClient(matrix.ClientConfig{HomeserverURL: homeserverURL})
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	session, err := client.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	// Verify the token works before handing it out.
	userID, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("session verification failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Logged in as %s (device %s)\n", userID, session.DeviceID())

	if tokenFile != "" {
		if err := os.WriteFile(tokenFile, []byte(session.AccessToken()+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Access token saved to %s\n", tokenFile)
		return nil
	}
	fmt.Println(session.AccessToken())
	return nil
}

// readPassword reads the password from the flag-specified file, or
// prompts on the terminal with echo disabled.
func readPassword(passwordFile string) (string, error) {
	if passwordFile != "" && passwordFile != "-" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", passwordFile, err)
		}
		password := strings.TrimRight(string(data), "\r\n")
		if password == "" {
			return "", fmt.Errorf("file %s is empty", passwordFile)
		}
		return password, nil
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return "", fmt.Errorf("no terminal for password prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(passwordBytes), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Log in to a Matrix homeserver and save the access token.

The token file can be referenced from a matriisi config:

  homeserver:
    url: https://matrix.example.org
    user_id: "@bot:example.org"
    access_token_file: /var/lib/matriisi/token

Usage:
  matriisi-login <username> [flags]

Examples:
  # Prompt for the password, print the token
  matriisi-login bot

  # Non-interactive, token to a file
  matriisi-login bot --password-file /run/secrets/bot-password --token-file /var/lib/matriisi/token

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
