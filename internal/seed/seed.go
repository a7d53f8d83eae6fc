// Package seed loads account and proxy credentials into the pool registry.
//
// It understands the two flat files the pool has always been fed with
// (accounts as username:password:client_id:client_secret lines, proxies as
// host:port:user:pass lines) plus an optional YAML manifest, and mirrors
// the proxy list into the rotation JSON.
package seed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/pkg/textx"
)

// Registry is the slice of the pool the seeder writes through.
type Registry interface {
	AddAccount(ctx domain.Context, a domain.Account) error
	AddProxy(ctx domain.Context, p domain.Proxy) error
}

// ParseAccountLine parses one username:password:client_id:client_secret
// line. Client ids sometimes contain ':' and stray whitespace, so the
// middle segments are rejoined and collapsed rather than taken verbatim.
func ParseAccountLine(line string) (domain.Account, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) < 4 {
		return domain.Account{}, fmt.Errorf("op=seed.parse_account: need 4 fields, got %d", len(parts))
	}
	username := strings.TrimSpace(parts[0])
	password := strings.TrimSpace(parts[1])
	clientSecret := strings.TrimSpace(parts[len(parts)-1])
	clientID := textx.CollapseSpaces(strings.Join(parts[2:len(parts)-1], ":"))
	if username == "" || password == "" || clientID == "" || clientSecret == "" {
		return domain.Account{}, fmt.Errorf("op=seed.parse_account: empty field")
	}
	return domain.Account{
		AccountID:    "acct-" + username,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Username:     username,
		Password:     password,
	}, nil
}

// ParseProxyLine parses one host:port:user:pass line. idx is the line's
// position in the source file and keys the generated proxy id, so re-seeds
// from an unchanged file hit the same rows.
func ParseProxyLine(line string, idx int) (domain.Proxy, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) != 4 {
		return domain.Proxy{}, fmt.Errorf("op=seed.parse_proxy: need host:port:user:pass, got %d fields", len(parts))
	}
	host := strings.TrimSpace(parts[0])
	port := strings.TrimSpace(parts[1])
	user := strings.TrimSpace(parts[2])
	pwd := strings.TrimSpace(parts[3])
	if host == "" || port == "" || user == "" || pwd == "" {
		return domain.Proxy{}, fmt.Errorf("op=seed.parse_proxy: empty field")
	}
	u := fmt.Sprintf("http://%s:%s@%s:%s", user, pwd, host, port)
	id := textx.SanitizeToken(fmt.Sprintf("proxy-%04d-%s-%s", idx, host, port))
	return domain.Proxy{ProxyID: id, HTTP: u, HTTPS: u}, nil
}

// LoadAccounts reads a credential file, skipping blanks, comments and
// malformed lines. A missing file yields an empty slice; running without
// an accounts file is how proxy-only reseeds work.
func LoadAccounts(fs afero.Fs, path string) ([]domain.Account, error) {
	lines, ok, err := readLines(fs, path)
	if err != nil {
		return nil, fmt.Errorf("op=seed.load_accounts: %w", err)
	}
	if !ok {
		slog.Warn("accounts file not found", slog.String("path", path))
		return nil, nil
	}
	var accounts []domain.Account
	for i, line := range lines {
		if skipLine(line) {
			continue
		}
		a, err := ParseAccountLine(line)
		if err != nil {
			// Never echo the line itself: it carries credentials.
			slog.Warn("skipping account line", slog.Int("line", i+1), slog.Any("error", err))
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// LoadProxies reads a proxy file with the same skip semantics as
// LoadAccounts. Ids are keyed by raw line position.
func LoadProxies(fs afero.Fs, path string) ([]domain.Proxy, error) {
	lines, ok, err := readLines(fs, path)
	if err != nil {
		return nil, fmt.Errorf("op=seed.load_proxies: %w", err)
	}
	if !ok {
		slog.Warn("proxies file not found", slog.String("path", path))
		return nil, nil
	}
	var proxies []domain.Proxy
	for i, line := range lines {
		if skipLine(line) {
			continue
		}
		p, err := ParseProxyLine(line, i)
		if err != nil {
			slog.Warn("skipping proxy line", slog.Int("line", i+1), slog.Any("error", err))
			continue
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

type manifest struct {
	Accounts []manifestAccount `yaml:"accounts"`
	Proxies  []manifestProxy   `yaml:"proxies"`
}

type manifestAccount struct {
	AccountID    string `yaml:"account_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	ProxyID      string `yaml:"proxy_id"`
}

type manifestProxy struct {
	ProxyID  string `yaml:"proxy_id"`
	HTTP     string `yaml:"http"`
	HTTPS    string `yaml:"https"`
	Tag      string `yaml:"tag"`
	Provider string `yaml:"provider"`
}

// LoadManifest reads a structured YAML manifest. It exists for deployments
// that manage credentials in config management instead of flat files;
// entries there can carry proxy pinning, tags and providers the flat
// format cannot express.
func LoadManifest(fs afero.Fs, path string) ([]domain.Account, []domain.Proxy, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, fmt.Errorf("op=seed.load_manifest: %w", err)
	}
	var doc manifest
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, nil, fmt.Errorf("op=seed.load_manifest: yaml parse: %w", err)
	}
	accounts := make([]domain.Account, 0, len(doc.Accounts))
	for i, ma := range doc.Accounts {
		username := strings.TrimSpace(ma.Username)
		clientID := textx.CollapseSpaces(ma.ClientID)
		if username == "" || ma.Password == "" || clientID == "" || ma.ClientSecret == "" {
			return nil, nil, fmt.Errorf("op=seed.load_manifest: accounts[%d]: empty field", i)
		}
		id := strings.TrimSpace(ma.AccountID)
		if id == "" {
			id = "acct-" + username
		}
		accounts = append(accounts, domain.Account{
			AccountID:    id,
			ClientID:     clientID,
			ClientSecret: ma.ClientSecret,
			Username:     username,
			Password:     ma.Password,
			ProxyID:      strings.TrimSpace(ma.ProxyID),
		})
	}
	proxies := make([]domain.Proxy, 0, len(doc.Proxies))
	for i, mp := range doc.Proxies {
		if mp.ProxyID == "" || mp.HTTP == "" {
			return nil, nil, fmt.Errorf("op=seed.load_manifest: proxies[%d]: proxy_id and http are required", i)
		}
		https := mp.HTTPS
		if https == "" {
			https = mp.HTTP
		}
		proxies = append(proxies, domain.Proxy{
			ProxyID:  textx.SanitizeToken(mp.ProxyID),
			HTTP:     mp.HTTP,
			HTTPS:    https,
			Tag:      mp.Tag,
			Provider: mp.Provider,
		})
	}
	return accounts, proxies, nil
}

// WriteProxiesJSON mirrors the proxy list into the rotation file read by
// the orchestrator and the health manager.
func WriteProxiesJSON(fs afero.Fs, path string, proxies []domain.Proxy) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("op=seed.write_proxies: %w", err)
		}
	}
	if proxies == nil {
		proxies = []domain.Proxy{}
	}
	b, err := json.MarshalIndent(proxies, "", "  ")
	if err != nil {
		return fmt.Errorf("op=seed.write_proxies: %w", err)
	}
	if err := afero.WriteFile(fs, path, b, 0o600); err != nil {
		return fmt.Errorf("op=seed.write_proxies: %w", err)
	}
	return nil
}

// Apply upserts the parsed credentials through the pool. Store failures
// abort; unlike line errors they would repeat for every remaining row.
func Apply(ctx domain.Context, reg Registry, accounts []domain.Account, proxies []domain.Proxy) error {
	for _, a := range accounts {
		if err := reg.AddAccount(ctx, a); err != nil {
			return fmt.Errorf("op=seed.apply: account %s: %w", a.AccountID, err)
		}
	}
	for _, p := range proxies {
		if err := reg.AddProxy(ctx, p); err != nil {
			return fmt.Errorf("op=seed.apply: proxy %s: %w", p.ProxyID, err)
		}
	}
	return nil
}

func readLines(fs afero.Fs, path string) ([]string, bool, error) {
	ok, err := afero.Exists(fs, path)
	if err != nil || !ok {
		return nil, false, err
	}
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, false, err
	}
	return strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n"), true, nil
}

func skipLine(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || strings.HasPrefix(line, "#")
}
