// Package config parses PostgreSQL connection strings into the options a
// Connector needs, with environment-variable fallback and an optional
// client-certificate directory watcher, grounded on the teacher's YAML
// config loader and fsnotify-backed Watcher but re-aimed at a single
// connection's key=value DSN instead of a multi-tenant topology file.
package config

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config holds every option from the connection-string table (spec.md §6):
// host, port, user, password, database, timeout, commandtimeout, ssl,
// sslmode, krbsrvname, integratedsecurity, applicationname, searchpath,
// buffersize, syncnotification, enlist, servercompatibilitymode.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	Timeout        time.Duration
	CommandTimeout time.Duration

	SSL     bool
	SSLMode string

	KrbSrvName         string
	IntegratedSecurity bool

	ApplicationName string
	SearchPath      string

	BufferSize int

	SyncNotification bool
	Enlist           bool

	ServerCompatibilityMode string
}

// keyAliases maps every recognized connection-string key, in its several
// conventional spellings, to one canonical key.
var keyAliases = map[string]string{
	"host":                      "host",
	"server":                    "host",
	"port":                      "port",
	"user":                      "user",
	"userid":                    "user",
	"user id":                   "user",
	"username":                  "user",
	"password":                  "password",
	"pwd":                       "password",
	"database":                  "database",
	"dbname":                    "database",
	"timeout":                   "timeout",
	"commandtimeout":            "commandtimeout",
	"command timeout":           "commandtimeout",
	"ssl":                       "ssl",
	"sslmode":                   "sslmode",
	"krbsrvname":                "krbsrvname",
	"integratedsecurity":        "integratedsecurity",
	"integrated security":       "integratedsecurity",
	"applicationname":           "applicationname",
	"application name":          "applicationname",
	"searchpath":                "searchpath",
	"search path":               "searchpath",
	"buffersize":                "buffersize",
	"buffer size":               "buffersize",
	"syncnotification":          "syncnotification",
	"sync notification":        "syncnotification",
	"enlist":                    "enlist",
	"servercompatibilitymode":   "servercompatibilitymode",
	"server compatibility mode": "servercompatibilitymode",
}

// Parse reads a space- or semicolon-separated key=value connection string
// and applies the same defaulting rule npgsql uses: database defaults to
// user when omitted (spec.md §4.7 step 3).
func Parse(dsn string) (*Config, error) {
	pairs, err := splitPairs(dsn)
	if err != nil {
		return nil, err
	}

	c := &Config{}
	for key, value := range pairs {
		canonical, ok := keyAliases[strings.ToLower(key)]
		if !ok {
			return nil, fmt.Errorf("config: unrecognized connection option %q", key)
		}
		if err := c.set(canonical, value); err != nil {
			return nil, fmt.Errorf("config: option %q: %w", key, err)
		}
	}

	if c.Database == "" {
		c.Database = c.User
	}
	return c, nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "host":
		c.Host = value
	case "port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Port = n
	case "user":
		c.User = value
	case "password":
		c.Password = value
	case "database":
		c.Database = value
	case "timeout":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		c.Timeout = d
	case "commandtimeout":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		c.CommandTimeout = d
	case "ssl":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.SSL = b
	case "sslmode":
		c.SSLMode = strings.ToLower(value)
	case "krbsrvname":
		c.KrbSrvName = value
	case "integratedsecurity":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.IntegratedSecurity = b
	case "applicationname":
		c.ApplicationName = value
	case "searchpath":
		c.SearchPath = value
	case "buffersize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.BufferSize = n
	case "syncnotification":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.SyncNotification = b
	case "enlist":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.Enlist = b
	case "servercompatibilitymode":
		c.ServerCompatibilityMode = value
	}
	return nil
}

func parseSeconds(value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// splitPairs tokenizes a DSN on ';' or whitespace, then each token on the
// first '='.
func splitPairs(dsn string) (map[string]string, error) {
	dsn = strings.TrimSpace(dsn)
	var tokens []string
	if strings.Contains(dsn, ";") {
		tokens = strings.Split(dsn, ";")
	} else {
		tokens = strings.Fields(dsn)
	}

	out := make(map[string]string)
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: malformed connection string token %q", tok)
		}
		key := strings.TrimSpace(tok[:eq])
		value := strings.TrimSpace(tok[eq+1:])
		out[key] = value
	}
	return out, nil
}

// FromEnvironment builds a Config from PGHOST/PGPORT/PGUSER/PGPASSWORD/
// PGDATABASE/PGSSLMODE/PGAPPNAME, intended to be overlaid under an explicit
// DSN's values via Merge (spec.md §4.8: environment beats library default,
// an explicit DSN beats environment).
func FromEnvironment() *Config {
	c := &Config{}
	if v, ok := os.LookupEnv("PGHOST"); ok {
		c.Host = v
	}
	if v, ok := os.LookupEnv("PGPORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v, ok := os.LookupEnv("PGUSER"); ok {
		c.User = v
	}
	if v, ok := os.LookupEnv("PGPASSWORD"); ok {
		c.Password = v
	}
	if v, ok := os.LookupEnv("PGDATABASE"); ok {
		c.Database = v
	}
	if v, ok := os.LookupEnv("PGSSLMODE"); ok {
		c.SSLMode = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("PGAPPNAME"); ok {
		c.ApplicationName = v
	}
	return c
}

// Merge fills any zero-valued field of c from fallback, in place, and
// returns c for chaining.
func (c *Config) Merge(fallback *Config) *Config {
	if c.Host == "" {
		c.Host = fallback.Host
	}
	if c.Port == 0 {
		c.Port = fallback.Port
	}
	if c.User == "" {
		c.User = fallback.User
	}
	if c.Password == "" {
		c.Password = fallback.Password
	}
	if c.Database == "" {
		c.Database = fallback.Database
	}
	if c.SSLMode == "" {
		c.SSLMode = fallback.SSLMode
	}
	if c.ApplicationName == "" {
		c.ApplicationName = fallback.ApplicationName
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, reused verbatim from the teacher's YAML config loader, for values
// read from a service-defaults file.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// LoadServiceDefaults reads a key=value service-defaults file (one
// "key=value" pair per line, '#' comments), applies ${VAR} substitution,
// and parses the result through the same path Parse uses.
func LoadServiceDefaults(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading service defaults: %w", err)
	}
	data = substituteEnvVars(data)

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return Parse(strings.Join(lines, ";"))
}

// yamlConfig mirrors Config's fields for a structured service-defaults
// file, for deployments that keep a shared defaults document alongside
// other YAML-configured services rather than a flat key=value file.
type yamlConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	TimeoutSeconds        int `yaml:"timeout"`
	CommandTimeoutSeconds int `yaml:"command_timeout"`

	SSL     bool   `yaml:"ssl"`
	SSLMode string `yaml:"sslmode"`

	KrbSrvName         string `yaml:"krbsrvname"`
	IntegratedSecurity bool   `yaml:"integrated_security"`

	ApplicationName string `yaml:"application_name"`
	SearchPath      string `yaml:"search_path"`

	BufferSize int `yaml:"buffer_size"`

	SyncNotification bool `yaml:"sync_notification"`
	Enlist           bool `yaml:"enlist"`

	ServerCompatibilityMode string `yaml:"server_compatibility_mode"`
}

// LoadServiceDefaultsYAML reads a structured YAML service-defaults
// document (the same option names as the DSN table, nested under YAML
// keys instead of key=value pairs), applying ${VAR} substitution the same
// way LoadServiceDefaults does, for sites that standardize their service
// defaults as YAML alongside other configuration.
func LoadServiceDefaultsYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading YAML service defaults: %w", err)
	}
	data = substituteEnvVars(data)

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("config: parsing YAML service defaults: %w", err)
	}

	return &Config{
		Host:                    y.Host,
		Port:                    y.Port,
		User:                    y.User,
		Password:                y.Password,
		Database:                y.Database,
		Timeout:                 time.Duration(y.TimeoutSeconds) * time.Second,
		CommandTimeout:          time.Duration(y.CommandTimeoutSeconds) * time.Second,
		SSL:                     y.SSL,
		SSLMode:                 strings.ToLower(y.SSLMode),
		KrbSrvName:              y.KrbSrvName,
		IntegratedSecurity:      y.IntegratedSecurity,
		ApplicationName:         y.ApplicationName,
		SearchPath:              y.SearchPath,
		BufferSize:              y.BufferSize,
		SyncNotification:        y.SyncNotification,
		Enlist:                  y.Enlist,
		ServerCompatibilityMode: y.ServerCompatibilityMode,
	}, nil
}

// CertWatcher watches a client-certificate directory and invokes a callback
// with the freshly loaded certificate set whenever a .crt/.key pair changes,
// so a long-lived Connector's transport.FileCertificateSource can rotate
// certificates without reconnecting (spec.md §4.8, §6 "provide_client_
// certificates"). Adapted from the teacher's config.Watcher, which debounces
// and reloads a YAML file the same way.
type CertWatcher struct {
	dir      string
	certFile string
	keyFile  string
	callback func([]tls.Certificate)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCertWatcher watches dir for changes to certFile/keyFile (given as
// names relative to dir) and invokes callback with the reloaded certificate
// whenever either changes.
func NewCertWatcher(dir, certFile, keyFile string, callback func([]tls.Certificate)) (*CertWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating cert watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching cert directory: %w", err)
	}

	cw := &CertWatcher{
		dir:      dir,
		certFile: certFile,
		keyFile:  keyFile,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *CertWatcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] cert watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *CertWatcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cert, err := tls.LoadX509KeyPair(
		filepath.Join(cw.dir, cw.certFile),
		filepath.Join(cw.dir, cw.keyFile),
	)
	if err != nil {
		log.Printf("[config] client certificate reload failed: %v", err)
		return
	}

	log.Printf("[config] client certificate reloaded from %s", cw.dir)
	cw.callback([]tls.Certificate{cert})
}

// Stop stops the certificate watcher.
func (cw *CertWatcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
