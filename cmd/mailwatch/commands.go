// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/matta/mailwatch/internal/account"
	"github.com/matta/mailwatch/internal/reconcile"
)

func flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%s: %v", fs.Name(), err)
	}
	return nil
}

func oneIdentity(cmd string, args []string) (account.Identity, error) {
	if len(args) != 1 {
		return "", usagef("%s: want exactly one email address", cmd)
	}
	id, err := account.ParseIdentity(args[0])
	if err != nil {
		return "", usagef("%s: %v", cmd, err)
	}
	return id, nil
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := flagSet("login")
	user := fs.StringP("username", "u", os.Getenv("MAILWATCH_USER"), "user name")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *user == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return errors.Wrap(err, "reading user name")
		}
		*user = strings.TrimSpace(line)
	}
	password := os.Getenv("MAILWATCH_PASSWORD")
	if password == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return usagef("login: no terminal for the password prompt (set MAILWATCH_PASSWORD)")
		}
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return errors.Wrap(err, "reading password")
		}
		password = string(b)
	}
	if err := a.creds.Login(ctx, *user, password); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s.\n", *user)
	return nil
}

func runLogout(ctx context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return usagef("logout: unexpected arguments")
	}
	if err := a.creds.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signed out.")
	return nil
}

func runAccounts(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return listAccounts(ctx, a)
	}
	switch args[0] {
	case "add":
		return addAccount(ctx, a, args[1:])
	case "edit":
		return editAccount(ctx, a, args[1:])
	case "rm":
		return removeAccount(ctx, a, args[1:])
	case "list":
		return listAccounts(ctx, a)
	}
	return usagef("accounts: unknown action %q", args[0])
}

func listAccounts(ctx context.Context, a *app) error {
	cfgs, err := a.svc.ListAccounts(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tCLIENT ID\tACTIVE\tLAST SYNC")
	for _, c := range cfgs {
		last := "never"
		if c.LastSyncTime != nil && !c.LastSyncTime.IsZero() {
			last = c.LastSyncTime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", c.ID, c.Email, c.ClientID, c.IsActive, last)
	}
	return w.Flush()
}

// accountFlags binds the editable fields of an account configuration.
type accountFlags struct {
	fs    *pflag.FlagSet
	cfg   account.Config
	email string
}

func newAccountFlags(name string) *accountFlags {
	f := &accountFlags{fs: flagSet(name)}
	f.fs.StringVar(&f.email, "email", "", "mailbox address")
	f.fs.StringVar(&f.cfg.ClientID, "client-id", "", "OAuth client id")
	f.fs.StringVar(&f.cfg.ClientSecret, "client-secret", "", "OAuth client secret")
	f.fs.StringVar(&f.cfg.TenantID, "tenant-id", "", "directory tenant id")
	f.fs.BoolVar(&f.cfg.IsActive, "active", true, "whether the mailbox is active")
	return f
}

// apply copies the flags given on the command line into cfg.
func (f *accountFlags) apply(cfg *account.Config) error {
	if f.fs.Changed("email") {
		id, err := account.ParseIdentity(f.email)
		if err != nil {
			return usagef("%s: %v", f.fs.Name(), err)
		}
		cfg.Email = id
	}
	if f.fs.Changed("client-id") {
		cfg.ClientID = f.cfg.ClientID
	}
	if f.fs.Changed("client-secret") {
		cfg.ClientSecret = f.cfg.ClientSecret
	}
	if f.fs.Changed("tenant-id") {
		cfg.TenantID = f.cfg.TenantID
	}
	if f.fs.Changed("active") {
		cfg.IsActive = f.cfg.IsActive
	}
	return nil
}

func addAccount(ctx context.Context, a *app, args []string) error {
	f := newAccountFlags("accounts add")
	if err := parseFlags(f.fs, args); err != nil {
		return err
	}
	if !f.fs.Changed("email") || !f.fs.Changed("client-id") {
		return usagef("accounts add: --email and --client-id are required")
	}
	cfg := account.Config{IsActive: f.cfg.IsActive}
	if err := f.apply(&cfg); err != nil {
		return err
	}
	created, err := a.svc.CreateAccount(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added %s (id %d).\n", created.Email, created.ID)
	return nil
}

func accountID(cmd string, args []string) (int, error) {
	if len(args) != 1 {
		return 0, usagef("%s: want exactly one account id", cmd)
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return 0, usagef("%s: invalid account id %q", cmd, args[0])
	}
	return id, nil
}

func findAccount(ctx context.Context, a *app, match func(account.Config) bool) (account.Config, error) {
	cfgs, err := a.svc.ListAccounts(ctx)
	if err != nil {
		return account.Config{}, err
	}
	for _, c := range cfgs {
		if match(c) {
			return c, nil
		}
	}
	return account.Config{}, errors.New("no such account")
}

func editAccount(ctx context.Context, a *app, args []string) error {
	f := newAccountFlags("accounts edit")
	if err := parseFlags(f.fs, args); err != nil {
		return err
	}
	id, err := accountID("accounts edit", f.fs.Args())
	if err != nil {
		return err
	}
	cfg, err := findAccount(ctx, a, func(c account.Config) bool { return c.ID == id })
	if err != nil {
		return errors.Wrapf(err, "editing account %d", id)
	}
	if err := f.apply(&cfg); err != nil {
		return err
	}
	updated, err := a.svc.UpdateAccount(ctx, id, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Updated %s (id %d).\n", updated.Email, updated.ID)
	return nil
}

func removeAccount(ctx context.Context, a *app, args []string) error {
	id, err := accountID("accounts rm", args)
	if err != nil {
		return err
	}
	if err := a.svc.DeleteAccount(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed account %d.\n", id)
	return nil
}

func runAuthorize(ctx context.Context, a *app, args []string) error {
	email, err := oneIdentity("authorize", args)
	if err != nil {
		return err
	}
	cfg, err := findAccount(ctx, a, func(c account.Config) bool { return c.Email == email })
	if err != nil {
		return errors.Wrapf(err, "authorizing %v", email)
	}
	u, err := a.svc.AuthorizeURL(ctx, email, cfg.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Open this URL in a browser to authorize %s:\n%s\n", email, u)
	return nil
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.svc,
		reconcile.WithInterval(a.cfg.PollInterval),
		reconcile.WithLogger(a.logger))
}

// trackedAccounts returns the accounts named in args, or every
// configured account if there are none.
func trackedAccounts(ctx context.Context, a *app, cmd string, args []string) ([]account.Identity, error) {
	if len(args) == 0 {
		cfgs, err := a.svc.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		return account.Identities(cfgs), nil
	}
	ids := make([]account.Identity, 0, len(args))
	for _, arg := range args {
		id, err := account.ParseIdentity(arg)
		if err != nil {
			return nil, usagef("%s: %v", cmd, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runStatus(ctx context.Context, a *app, args []string) error {
	ids, err := trackedAccounts(ctx, a, "status", args)
	if err != nil {
		return err
	}
	r := a.reconciler()
	r.Track(ids...)
	if err := r.PollAll(ctx); err != nil {
		return err
	}
	return printStatus(a, r.Snapshot())
}

func printStatus(a *app, entries []reconcile.Entry) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tMONITORING\tLAST CHECK\tFOUND\tCLASSIFIED\tERROR")
	var failed int
	for _, e := range entries {
		mon, last, found, total := "?", "-", "-", "-"
		if st := e.Status; st != nil {
			mon = "off"
			if st.IsMonitoring {
				mon = "on"
			}
			last = "never"
			if st.LastCheckTime != nil {
				last = st.LastCheckTime.Local().Format(time.DateTime)
			}
			found = strconv.Itoa(st.LastFoundCount)
			total = strconv.Itoa(st.TotalClassifiedCount)
		}
		msg := ""
		if e.Err != nil {
			failed++
			msg = e.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Account, mon, last, found, total, msg)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return errors.Errorf("status unavailable for %d of %d accounts", failed, len(entries))
	}
	return nil
}

func runToggle(ctx context.Context, a *app, args []string) error {
	id, err := oneIdentity("toggle", args)
	if err != nil {
		return err
	}
	r := a.reconciler()
	r.Track(id)
	if _, err := r.Poll(ctx, id); err != nil {
		return err
	}
	st, err := r.Toggle(ctx, id)
	if err != nil {
		return err
	}
	state := "stopped"
	if st.IsMonitoring {
		state = "running"
	}
	fmt.Fprintf(a.out, "Monitoring of %s is %s.\n", id, state)
	return nil
}

func runClassify(ctx context.Context, a *app, args []string) error {
	fs := flagSet("classify")
	hours := fs.Int("hours", 24, "classify mail received in the last N hours")
	method := fs.String("method", "llm", "classification method (llm, bert, fasttext)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := oneIdentity("classify", fs.Args())
	if err != nil {
		return err
	}
	if *hours <= 0 {
		return usagef("classify: --hours must be positive")
	}
	res, err := a.svc.Classify(ctx, id, *hours, *method)
	if err != nil {
		return err
	}
	if res.Message != "" {
		fmt.Fprintln(a.out, res.Message)
	}
	if len(res.Stats) > 0 {
		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tCOUNT")
		for _, name := range sortedKeys(res.Stats) {
			fmt.Fprintf(w, "%s\t%d\n", name, res.Stats[name])
		}
		return w.Flush()
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runPoll(ctx context.Context, a *app, args []string) error {
	ids, err := trackedAccounts(ctx, a, "poll", args)
	if err != nil {
		return err
	}
	r := a.reconciler()
	r.Track(ids...)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	last := make(map[account.Identity]string)
	for {
		select {
		case err := <-done:
			return err
		case <-r.Changed():
		}
		for _, e := range r.Snapshot() {
			if e.Loading {
				continue
			}
			line := describe(e)
			if last[e.Account] == line {
				continue
			}
			last[e.Account] = line
			fmt.Fprintf(a.out, "%s  %s  %s\n", time.Now().Format(time.TimeOnly), e.Account, line)
		}
	}
}

func describe(e reconcile.Entry) string {
	if e.Err != nil && e.Status == nil {
		return "error: " + e.Err.Error()
	}
	if e.Status == nil {
		return "unknown"
	}
	st := e.Status
	mon := "off"
	if st.IsMonitoring {
		mon = "on"
	}
	s := fmt.Sprintf("monitoring %s, found %d, classified %d", mon, st.LastFoundCount, st.TotalClassifiedCount)
	if e.Err != nil {
		s += " (stale: " + e.Err.Error() + ")"
	}
	return s
}
