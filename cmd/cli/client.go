package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/chifferchat/internal/convert"
)

// apiError mirrors the server's JSON error body.
type apiError struct {
	Status           int               `json:"status"`
	Reason           string            `json:"error"`
	Message          string            `json:"message"`
	Path             string            `json:"path"`
	ValidationErrors map[string]string `json:"validationErrors"`
}

func (e *apiError) Error() string { return fmt.Sprintf("%d %s: %s", e.Status, e.Reason, e.Message) }

type loginResponse struct {
	convert.TokensDTO
	User convert.UserDTO `json:"user"`
}

func (r loginResponse) session() sessionFile {
	return sessionFile{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
		UserID:       r.User.ID,
		UserName:     r.User.Name,
	}
}

type client struct {
	base   *url.URL
	http   *http.Client
	tlsCfg *tls.Config
}

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev flag
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool}, nil
}

func newClient(addr, caPath string, insecure bool, timeout time.Duration) (*client, error) {
	base, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("bad -addr: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("bad -addr scheme %q", base.Scheme)
	}
	tlsCfg, err := loadTLS(caPath, insecure)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg
	return &client{base: base, http: &http.Client{Transport: tr, Timeout: timeout}, tlsCfg: tlsCfg}, nil
}

// do sends a JSON request and decodes a JSON response into out when out is non-nil.
func (c *client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		ae := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, ae) != nil || ae.Message == "" {
			ae.Message = strings.TrimSpace(string(raw))
		}
		return ae
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// refresh rotates the stored refresh token and persists the new pair.
func (c *client) refresh(ctx context.Context, s sessionFile) (sessionFile, error) {
	var out convert.TokensDTO
	if err := c.do(ctx, "POST", "/auth/refresh", "", map[string]string{"refreshToken": s.RefreshToken}, &out); err != nil {
		return sessionFile{}, err
	}
	s.AccessToken, s.RefreshToken, s.ExpiresAt = out.AccessToken, out.RefreshToken, out.ExpiresAt
	return s, saveSession(s)
}

func (c *client) publicKey(ctx context.Context, token string, userID int64) ([]byte, error) {
	var out struct {
		PublicKey []byte `json:"publicKey"`
	}
	if err := c.do(ctx, "GET", fmt.Sprintf("/users/%d/publickey", userID), token, nil, &out); err != nil {
		return nil, err
	}
	return out.PublicKey, nil
}

func (c *client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func (c *client) dialWS(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: c.tlsCfg, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := d.DialContext(ctx, c.wsURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}
