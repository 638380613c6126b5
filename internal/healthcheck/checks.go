// Package healthcheck gates a deploy on HTTP probes of the deployed host.
package healthcheck

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent462/drover/internal/target"
)

// Defaults applied to a check that leaves them out.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultBastionKey = "~/.ssh/id_rsa"
)

// Spec is one HTTP check of a role.
type Spec struct {
	Port     int
	Path     string
	UseHTTPS bool
	// ExpectedResult is compared to the trimmed body. "/re/" is a regular
	// expression; empty accepts any 2xx status.
	ExpectedResult string
	Timeout        time.Duration
	Bastion        *Bastion

	pattern *regexp.Regexp
}

// Bastion is an SSH host the probe is tunnelled through.
type Bastion struct {
	Host        string // host or host:port
	User        string
	PrivateKeys []string
}

// Matches reports whether a response satisfies the check.
func (s Spec) Matches(status int, body []byte) bool {
	if s.ExpectedResult == "" {
		return status >= 200 && status < 300
	}
	if re := s.regexp(); re != nil {
		return re.Match(body)
	}
	return strings.TrimSpace(string(body)) == strings.TrimSpace(s.ExpectedResult)
}

func (s Spec) regexp() *regexp.Regexp {
	if s.pattern != nil {
		return s.pattern
	}
	expr, ok := regexBody(s.ExpectedResult)
	if !ok {
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil
	}
	return re
}

func regexBody(expected string) (string, bool) {
	if len(expected) >= 2 && strings.HasPrefix(expected, "/") && strings.HasSuffix(expected, "/") {
		return expected[1 : len(expected)-1], true
	}
	return "", false
}


// stringList accepts a scalar or a sequence.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = stringList{s}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// rawSpec is the option bag form. Short aliases are accepted for
// expected_result, use_https and timeout_seconds.
type rawSpec struct {
	Port              int        `yaml:"port"`
	Path              string     `yaml:"path"`
	ExpectedResult    *string    `yaml:"expected_result"`
	Result            *string    `yaml:"result"`
	UseHTTPS          *bool      `yaml:"use_https"`
	HTTPS             *bool      `yaml:"https"`
	TimeoutSeconds    *float64   `yaml:"timeout_seconds"`
	Timeout           *float64   `yaml:"timeout"`
	BastionHost       string     `yaml:"bastion_host"`
	BastionUser       string     `yaml:"bastion_user"`
	BastionPrivateKey stringList `yaml:"bastion_private_key"`
}

func (r rawSpec) build() (Spec, error) {
	if r.Port <= 0 || r.Port > 65535 {
		return Spec{}, fmt.Errorf("port %d out of range", r.Port)
	}

	s := Spec{
		Port:    r.Port,
		Path:    r.Path,
		Timeout: DefaultTimeout,
	}
	if s.Path == "" {
		s.Path = "/"
	} else if !strings.HasPrefix(s.Path, "/") {
		s.Path = "/" + s.Path
	}

	switch {
	case r.ExpectedResult != nil:
		s.ExpectedResult = *r.ExpectedResult
	case r.Result != nil:
		s.ExpectedResult = *r.Result
	}
	if expr, ok := regexBody(s.ExpectedResult); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Spec{}, fmt.Errorf("expected_result: %w", err)
		}
		s.pattern = re
	}

	switch {
	case r.UseHTTPS != nil:
		s.UseHTTPS = *r.UseHTTPS
	case r.HTTPS != nil:
		s.UseHTTPS = *r.HTTPS
	}

	secs := r.TimeoutSeconds
	if secs == nil {
		secs = r.Timeout
	}
	if secs != nil {
		if *secs < 0 {
			return Spec{}, fmt.Errorf("timeout_seconds must be non-negative, got %v", *secs)
		}
		s.Timeout = time.Duration(*secs * float64(time.Second))
	}

	if r.BastionHost != "" {
		keys := []string(r.BastionPrivateKey)
		if len(keys) == 0 {
			keys = []string{DefaultBastionKey}
		}
		s.Bastion = &Bastion{Host: r.BastionHost, User: r.BastionUser, PrivateKeys: keys}
	}
	return s, nil
}

// ParseSpecs decodes a healthcheck option value: one check or a list.
// Unknown keys are rejected.
func ParseSpecs(v any) ([]Spec, error) {
	if v == nil {
		return nil, nil
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode healthcheck: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode healthcheck: %w", err)
	}
	isList := len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raws []rawSpec
	if isList {
		err = dec.Decode(&raws)
	} else {
		var one rawSpec
		err = dec.Decode(&one)
		raws = []rawSpec{one}
	}
	if err != nil {
		return nil, fmt.Errorf("decode healthcheck: %w", err)
	}

	specs := make([]Spec, 0, len(raws))
	for i, raw := range raws {
		s, err := raw.build()
		if err != nil {
			return nil, fmt.Errorf("healthcheck %d: %w", i, err)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// SpecsFor returns the checks declared in a role's option bag.
func SpecsFor(opts target.OptionBag) ([]Spec, error) {
	return ParseSpecs(opts[target.OptHealthcheck])
}

// Validate parses every check of every unit so that malformed checks are
// reported before anything is deregistered.
func Validate(units target.Units) error {
	for _, u := range units {
		for _, role := range u.Roles {
			if _, err := SpecsFor(u.Options[role]); err != nil {
				return fmt.Errorf("%s role %s: %w", u.Host, role, err)
			}
		}
	}
	return nil
}

// Request is one probe.
type Request struct {
	Host     string
	Port     int
	Path     string
	UseHTTPS bool
	Bastion  *Bastion
}

// URL renders the request URL.
func (r Request) URL() string {
	scheme := "http"
	if r.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, hostPort(r.Host, r.Port), r.Path)
}

func hostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// statusText is used in failure messages.
func statusText(code int) string {
	if code == 0 {
		return "no response"
	}
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
