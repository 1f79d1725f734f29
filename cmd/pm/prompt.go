package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/awnumar/memguard"
	"golang.org/x/term"

	"github.com/Hussein-Mazeh/zkvault/krypto"
)

// console reads commands and visible answers from one buffered stdin reader.
// Passwords bypass the buffer and are read without echo.
type console struct {
	in  *bufio.Reader
	out io.Writer
}

func newConsole() *console {
	return &console{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

// readLine returns the next line without its newline. io.EOF is returned only
// when no input remains.
func (c *console) readLine(prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprint(c.out, prompt)
	}
	line, err := c.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

// promptNewPassword asks twice and returns the password once both match.
func promptNewPassword(what string) ([]byte, error) {
	pw, err := promptPassword(what + ": ")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}

	confirm, err := promptPassword("Confirm " + what + ": ")
	if err != nil {
		memguard.WipeBytes(pw)
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	defer memguard.WipeBytes(confirm)

	if !krypto.Equal(pw, confirm) {
		memguard.WipeBytes(pw)
		return nil, userError{msg: "entries do not match"}
	}
	return pw, nil
}
