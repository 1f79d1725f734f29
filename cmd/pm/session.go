package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/urfave/cli/v2"

	"github.com/Hussein-Mazeh/zkvault/internal/service"
	"github.com/Hussein-Mazeh/zkvault/krypto"
)

const expiryInterval = 15 * time.Second

func runSignUp(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer closeService(svc, os.Stderr)

	con := newConsole()
	email, err := askEmail(c, con, "")
	if err != nil {
		return err
	}

	pw, err := promptNewPassword("Master password")
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(pw)

	if err := svc.SignUp(c.Context, email, pw); err != nil {
		return friendly(err)
	}

	fmt.Printf("account created for %s; run pm login to unlock the vault\n", email)
	return nil
}

func runLogin(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer closeService(svc, os.Stderr)

	con := newConsole()
	email, err := askEmail(c, con, svc.LastEmail())
	if err != nil {
		return err
	}

	pw, err := promptPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	err = svc.Login(c.Context, email, pw)
	memguard.WipeBytes(pw)
	if err != nil {
		return friendly(err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	go svc.RunExpiry(ctx, expiryInterval)

	fmt.Println("vault unlocked; type 'help' for commands")
	return sessionLoop(ctx, svc, con)
}

func askEmail(c *cli.Context, con *console, fallback string) (string, error) {
	if email := strings.TrimSpace(c.String(flagEmail.Name)); email != "" {
		return email, nil
	}

	prompt := "Email: "
	if fallback != "" {
		prompt = fmt.Sprintf("Email [%s]: ", fallback)
	}
	email, err := con.readLine(prompt)
	if err != nil {
		return "", fmt.Errorf("read email: %w", err)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		email = fallback
	}
	if email == "" {
		return "", userError{msg: "email is required"}
	}
	return email, nil
}

// repl holds the interactive session state: the last listing so items can be
// addressed by their position.
type repl struct {
	svc  *service.Service
	con  *console
	last []service.Item
}

func sessionLoop(ctx context.Context, svc *service.Service, con *console) error {
	r := &repl{svc: svc, con: con}

	for {
		line, err := con.readLine("pm> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return svc.Logout(ctx)
			}
			return fmt.Errorf("read input: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			printSessionHelp()
			continue
		case "logout", "exit", "quit":
			if err := svc.Logout(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			fmt.Println("vault locked")
			return nil
		case "add":
			err = r.add(ctx, args)
		case "list":
			err = r.list(ctx, "")
		case "search":
			if len(args) == 0 {
				err = userError{msg: "search requires a query"}
				break
			}
			err = r.list(ctx, strings.Join(args, " "))
		case "show":
			err = r.show(ctx, args)
		case "rm":
			err = r.remove(ctx, args)
		default:
			err = userError{msg: fmt.Sprintf("unknown command: %s", cmd)}
		}
		handleSessionError(friendly(err))

		if !svc.Unlocked() {
			fmt.Println("session ended; vault locked")
			return nil
		}
	}
}

func (r *repl) add(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return userError{msg: "usage: add <site-label> [site-url]"}
	}
	label := args[0]
	var url string
	if len(args) == 2 {
		url = args[1]
	}

	username, err := r.con.readLine("Username: ")
	if err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	pw, err := promptNewPassword("Password")
	if err != nil {
		return err
	}
	secret := string(pw)
	memguard.WipeBytes(pw)

	item, err := r.svc.Add(ctx, label, url, strings.TrimSpace(username), secret)
	if err != nil {
		return err
	}
	fmt.Printf("stored %s (%s)\n", item.SiteLabel, shortID(item.ID))
	return nil
}

func (r *repl) list(ctx context.Context, query string) error {
	var (
		items []service.Item
		err   error
	)
	if query == "" {
		items, err = r.svc.List(ctx)
	} else {
		items, err = r.svc.Search(ctx, query)
	}
	if err != nil {
		return err
	}

	r.last = items
	if len(items) == 0 {
		fmt.Println("no items")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSITE\tUSERNAME\tURL\tADDED")
	for i, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, it.SiteLabel, it.Username, it.SiteURL, it.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func (r *repl) show(ctx context.Context, args []string) error {
	id, err := r.resolve(args)
	if err != nil {
		return err
	}

	secret, err := r.svc.Reveal(ctx, id)
	if err != nil && !errors.Is(err, krypto.ErrDecryptionFailed) {
		return err
	}
	fmt.Printf("username: %s\npassword: %s\n", secret.Username, secret.Password)
	return nil
}

func (r *repl) remove(ctx context.Context, args []string) error {
	id, err := r.resolve(args)
	if err != nil {
		return err
	}
	if err := r.svc.Delete(ctx, id); err != nil {
		return err
	}

	for i, it := range r.last {
		if it.ID == id {
			r.last = append(r.last[:i], r.last[i+1:]...)
			break
		}
	}
	fmt.Println("deleted")
	return nil
}

// resolve accepts a position from the last listing or an id prefix.
func (r *repl) resolve(args []string) (string, error) {
	if len(args) != 1 {
		return "", userError{msg: "expected one item number or id"}
	}

	if n, err := strconv.Atoi(args[0]); err == nil {
		if n < 1 || n > len(r.last) {
			return "", userError{msg: "no item with that number; run list first"}
		}
		return r.last[n-1].ID, nil
	}

	var match string
	for _, it := range r.last {
		if strings.HasPrefix(it.ID, args[0]) {
			if match != "" {
				return "", userError{msg: "ambiguous id prefix"}
			}
			match = it.ID
		}
	}
	if match == "" {
		return args[0], nil
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func handleSessionError(err error) {
	if err == nil {
		return
	}

	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		return
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func printSessionHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add <site-label> [site-url]   store a credential")
	fmt.Println("  list                          list items, newest first")
	fmt.Println("  search <query>                list items whose label matches")
	fmt.Println("  show <n|id>                   reveal username and password")
	fmt.Println("  rm <n|id>                     delete an item")
	fmt.Println("  logout | exit | quit          lock the vault")
}
