// Command chiffer is a CLI client for the chat core. Message bodies are sealed and opened locally;
// the server only sees ciphertext.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/and161185/chifferchat/internal/convert"
	cc "github.com/and161185/chifferchat/internal/crypto/clientcrypto"
)

// settings come from CHIFFER_* environment variables; global flags override them.
type settings struct {
	Addr     string        `envconfig:"ADDR" default:"http://localhost:8080"`
	CACert   string        `envconfig:"CACERT"`
	Insecure bool          `envconfig:"INSECURE"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

func loadSettings() (settings, error) {
	var s settings
	err := envconfig.Process("chiffer", &s)
	return s, err
}

// ---- local state ----

type sessionFile struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       int64     `json:"user_id"`
	UserName     string    `json:"user_name"`
}

// keyFile holds the X25519 key pair; the private half is sealed under a password-derived KEK.
type keyFile struct {
	Public    []byte `json:"public"`
	Salt      []byte `json:"salt"`
	Protected []byte `json:"protected"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "chiffer")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "chiffer")
}

func sessionPath() string { return filepath.Join(cfgDir(), "session.json") }

func keyPath(name string) string { return filepath.Join(cfgDir(), "keys", name+".json") }

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func saveSession(s sessionFile) error { return writeJSONFile(sessionPath(), s) }

func loadSession() (sessionFile, error) {
	var s sessionFile
	if err := readJSONFile(sessionPath(), &s); err != nil {
		return sessionFile{}, errors.New("not logged in")
	}
	if s.AccessToken == "" || s.UserID == 0 {
		return sessionFile{}, errors.New("not logged in")
	}
	return s, nil
}

// newKeys generates a key pair and seals the private half under password.
func newKeys(password string) (keyFile, error) {
	pub, priv, err := cc.GenerateKeyPair()
	if err != nil {
		return keyFile{}, err
	}
	salt, err := cc.Rand(16)
	if err != nil {
		return keyFile{}, err
	}
	protected, err := cc.ProtectPrivateKey(cc.DeriveKEK([]byte(password), salt), priv)
	if err != nil {
		return keyFile{}, err
	}
	return keyFile{Public: pub[:], Salt: salt, Protected: protected}, nil
}

func (k keyFile) unlock(password string) (pub, priv *[cc.KeyLen]byte, err error) {
	pub, err = cc.PublicKeyFromBytes(k.Public)
	if err != nil {
		return nil, nil, err
	}
	priv, err = cc.UnprotectPrivateKey(cc.DeriveKEK([]byte(password), k.Salt), k.Protected)
	if err != nil {
		return nil, nil, errors.New("wrong password or corrupted key file")
	}
	return pub, priv, nil
}

func loadKeys(name, password string) (pub, priv *[cc.KeyLen]byte, err error) {
	var k keyFile
	if err := readJSONFile(keyPath(name), &k); err != nil {
		return nil, nil, fmt.Errorf("no local key pair for %s (register or run keys)", name)
	}
	return k.unlock(password)
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "api error: status=%d msg=%s\n", ae.Status, ae.Message)
		for f, tag := range ae.ValidationErrors {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", f, tag)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func need(ok bool, msg string) {
	if !ok {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `chiffer CLI
Usage:
  chiffer [-addr URL] [-cacert file | -insecure] <cmd> [args]

Commands:
  version
  register    -u <name> -p <password>        (creates a local key pair)
  login       -u <name> -p <password>
  refresh
  logout
  keys        -p <password>                  (rotate and upload the public key)
  online
  groups
  group-new   -name <name>
  group-add   -g <uuid> -u <name>
  history     -with <userId> -p <password> [-page N -size N]
  send        -to <userId> -m <text>
  send-group  -g <uuid> -m <text>
  listen      -p <password>                  (decrypts and acknowledges)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	st, err := loadSettings()
	if err != nil {
		fail(err)
	}
	addr := flag.String("addr", st.Addr, "server base URL")
	caPath := flag.String("cacert", st.CACert, "CA cert (PEM)")
	insecure := flag.Bool("insecure", st.Insecure, "skip cert verify (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	c, err := newClient(*addr, *caPath, *insecure, st.Timeout)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {

	case "version":
		fmt.Printf("chiffer %s (%s)\n", version, buildDate)

	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		_ = fs.Parse(args)
		need(*u != "" && *p != "", "need -u and -p")

		keys, err := newKeys(*p)
		if err != nil {
			fail(err)
		}
		var out convert.UserDTO
		if err := c.do(ctx, "POST", "/auth/register", "", map[string]any{
			"name": *u, "password": *p, "publicKey": keys.Public,
		}, &out); err != nil {
			fail(err)
		}
		if err := writeJSONFile(keyPath(*u), keys); err != nil {
			fail(err)
		}
		fmt.Println(out.ID)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		_ = fs.Parse(args)
		need(*u != "" && *p != "", "need -u and -p")

		var out loginResponse
		if err := c.do(ctx, "POST", "/auth/login", "", map[string]string{"name": *u, "password": *p}, &out); err != nil {
			fail(err)
		}
		if err := saveSession(out.session()); err != nil {
			fail(err)
		}
		if _, _, err := loadKeys(*u, *p); err != nil {
			fmt.Fprintln(os.Stderr, "warning:", err)
		}
		fmt.Println("ok")

	case "refresh":
		s, err := loadSession()
		if err != nil {
			fail(err)
		}
		if _, err := c.refresh(ctx, s); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "logout":
		s, tok := authed(ctx, c)
		if err := c.do(ctx, "POST", "/auth/logout", tok, nil, nil); err != nil {
			fail(err)
		}
		_ = os.Remove(sessionPath())
		fmt.Println("bye", s.UserName)

	case "keys":
		fs := flag.NewFlagSet("keys", flag.ExitOnError)
		p := fs.String("p", "", "password protecting the new private key")
		_ = fs.Parse(args)
		need(*p != "", "need -p")

		s, tok := authed(ctx, c)
		keys, err := newKeys(*p)
		if err != nil {
			fail(err)
		}
		if err := c.do(ctx, "PUT", "/users/me/publickey", tok, map[string]any{"publicKey": keys.Public}, nil); err != nil {
			fail(err)
		}
		if err := writeJSONFile(keyPath(s.UserName), keys); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "online":
		_, tok := authed(ctx, c)
		var out []convert.UserDTO
		if err := c.do(ctx, "GET", "/users/online", tok, nil, &out); err != nil {
			fail(err)
		}
		printJSON(out)

	case "groups":
		_, tok := authed(ctx, c)
		var out []convert.GroupDTO
		if err := c.do(ctx, "GET", "/groups", tok, nil, &out); err != nil {
			fail(err)
		}
		printJSON(out)

	case "group-new":
		fs := flag.NewFlagSet("group-new", flag.ExitOnError)
		name := fs.String("name", "", "group name")
		_ = fs.Parse(args)
		need(*name != "", "need -name")

		_, tok := authed(ctx, c)
		var out convert.GroupDTO
		if err := c.do(ctx, "POST", "/groups", tok, map[string]string{"name": *name}, &out); err != nil {
			fail(err)
		}
		printJSON(out)

	case "group-add":
		fs := flag.NewFlagSet("group-add", flag.ExitOnError)
		g := fs.String("g", "", "group id")
		u := fs.String("u", "", "username to add")
		_ = fs.Parse(args)
		need(*g != "" && *u != "", "need -g and -u")

		_, tok := authed(ctx, c)
		var out convert.MemberDTO
		if err := c.do(ctx, "POST", "/groups/"+*g+"/members", tok, map[string]string{"userName": *u}, &out); err != nil {
			fail(err)
		}
		printJSON(out)

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		with := fs.Int64("with", 0, "other user id")
		p := fs.String("p", "", "password unlocking the private key")
		page := fs.Int("page", 0, "page (0-based)")
		size := fs.Int("size", 20, "page size")
		_ = fs.Parse(args)
		need(*with > 0 && *p != "", "need -with and -p")

		s, tok := authed(ctx, c)
		pub, priv, err := loadKeys(s.UserName, *p)
		if err != nil {
			fail(err)
		}
		path := "/messages/conversations/" + strconv.FormatInt(*with, 10) +
			"?page=" + strconv.Itoa(*page) + "&size=" + strconv.Itoa(*size)
		var out convert.PageDTO
		if err := c.do(ctx, "GET", path, tok, nil, &out); err != nil {
			fail(err)
		}
		for i := len(out.Items) - 1; i >= 0; i-- {
			fmt.Println(historyLine(out.Items[i], s.UserID, pub, priv))
		}

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		to := fs.Int64("to", 0, "recipient user id")
		m := fs.String("m", "", "message text")
		_ = fs.Parse(args)
		need(*to > 0 && *m != "", "need -to and -m")

		s, tok := authed(ctx, c)
		id, err := sendDirect(ctx, c, s, tok, *to, []byte(*m))
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "send-group":
		fs := flag.NewFlagSet("send-group", flag.ExitOnError)
		g := fs.String("g", "", "group id")
		m := fs.String("m", "", "message text")
		_ = fs.Parse(args)
		need(*g != "" && *m != "", "need -g and -m")

		s, tok := authed(ctx, c)
		id, err := sendGroup(ctx, c, s, tok, *g, []byte(*m))
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "listen":
		fs := flag.NewFlagSet("listen", flag.ExitOnError)
		p := fs.String("p", "", "password unlocking the private key")
		_ = fs.Parse(args)
		need(*p != "", "need -p")

		s, tok := authed(ctx, c)
		pub, priv, err := loadKeys(s.UserName, *p)
		if err != nil {
			fail(err)
		}
		if err := listen(ctx, c, s, tok, pub, priv, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			fail(err)
		}

	default:
		usage()
	}
}

// authed returns the stored session with a usable access token, refreshing it when expired.
func authed(ctx context.Context, c *client) (sessionFile, string) {
	s, err := loadSession()
	if err != nil {
		fail(err)
	}
	if time.Now().Before(s.ExpiresAt.Add(-5 * time.Second)) {
		return s, s.AccessToken
	}
	s, err = c.refresh(ctx, s)
	if err != nil {
		fail(fmt.Errorf("session expired, login again: %w", err))
	}
	return s, s.AccessToken
}
