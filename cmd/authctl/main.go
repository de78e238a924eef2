// Command authctl runs maintenance tasks against the auth store.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/store/pg"
)

const usage = `usage: authctl <command> [flags] [args]

commands:
  purge-sessions             delete expired refresh sessions
  grant <role> <code>...     replace the permission set of a role
  permissions                list the permission catalog
  create-user <email>        read a password on stdin and create an active user
  hash-password              read a password on stdin and print its bcrypt digest`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "purge-sessions":
		err = purgeSessions(args)
	case "grant":
		err = grant(args)
	case "permissions":
		err = listPermissions(args)
	case "create-user":
		err = createUser(args, os.Stdin)
	case "hash-password":
		err = hashPassword(args, os.Stdin, os.Stdout)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func dbFlags(name string) (*flag.FlagSet, *string, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("CVFLOW_PG_DSN"), "PostgreSQL DSN")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall deadline for the command")
	return fs, dsn, timeout
}

func openStore(dsn string) (*pg.Store, error) {
	if dsn == "" {
		return nil, errors.New("missing DSN: provide via -dsn or CVFLOW_PG_DSN")
	}
	return pg.Open(dsn)
}

func purgeSessions(args []string) error {
	fs, dsn, timeout := dbFlags("purge-sessions")
	_ = fs.Parse(args)

	store, err := openStore(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	n, err := store.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("purged %d expired sessions\n", n)
	return nil
}

func grant(args []string) error {
	fs, dsn, timeout := dbFlags("grant")
	_ = fs.Parse(args)
	if fs.NArg() < 2 {
		return errors.New("usage: authctl grant [-dsn DSN] <role-code> <permission-code>...")
	}

	store, err := openStore(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	prov, err := auth.NewProvisioner(store)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	role, codes := fs.Arg(0), fs.Args()[1:]
	if err := prov.GrantPermissions(ctx, role, codes); err != nil {
		return err
	}
	fmt.Printf("role %s now holds %s\n", role, strings.Join(codes, ", "))
	return nil
}

func listPermissions(args []string) error {
	fs, dsn, timeout := dbFlags("permissions")
	_ = fs.Parse(args)

	store, err := openStore(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	perms, err := store.ListPermissions(ctx)
	if err != nil {
		return err
	}
	for _, p := range perms {
		fmt.Printf("%-24s %-14s %s\n", p.Code, p.Category, p.Name)
	}
	return nil
}

func createUser(args []string, in io.Reader) error {
	fs, dsn, timeout := dbFlags("create-user")
	role := fs.String("role", "viewer", "Role code")
	first := fs.String("first", "", "First name")
	last := fs.String("last", "", "Last name")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: authctl create-user [-dsn DSN] [-role CODE] <email>")
	}

	password, err := readPassword(in)
	if err != nil {
		return err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	digest, err := auth.NewHasher(*cost, 1).Hash(ctx, password)
	if err != nil {
		return err
	}

	store, err := openStore(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	u, err := store.CreateUser(ctx, auth.User{
		Email: fs.Arg(0), PasswordHash: digest, FirstName: *first, LastName: *last, Active: true,
	}, *role)
	if err != nil {
		return err
	}
	fmt.Printf("created user %s (%s) with role %s\n", u.Email, u.ID, *role)
	return nil
}

func readPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func hashPassword(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	skipPolicy := fs.Bool("skip-policy", false, "Do not enforce the password policy")
	_ = fs.Parse(args)

	password, err := readPassword(in)
	if err != nil {
		return err
	}
	if !*skipPolicy {
		if err := auth.ValidatePassword(password); err != nil {
			return err
		}
	}
	digest, err := auth.NewHasher(*cost, 1).Hash(context.Background(), password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, digest)
	return err
}
