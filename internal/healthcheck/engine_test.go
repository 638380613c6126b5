package healthcheck_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent462/drover/internal/healthcheck"
	"github.com/agent462/drover/internal/target"
)

type response struct {
	status int
	body   string
	err    error
}

// scriptedProber answers each URL from a script; the last entry repeats.
type scriptedProber struct {
	mu      sync.Mutex
	scripts map[string][]response
	calls   []string
}

func (p *scriptedProber) Probe(_ context.Context, req healthcheck.Request) (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	url := req.URL()
	p.calls = append(p.calls, url)
	script := p.scripts[url]
	if len(script) == 0 {
		return 0, nil, errors.New("connection refused")
	}
	r := script[0]
	if len(script) > 1 {
		p.scripts[url] = script[1:]
	}
	return r.status, []byte(r.body), r.err
}

func checks(specs ...map[string]any) target.OptionBag {
	list := make([]any, len(specs))
	for i, s := range specs {
		list[i] = s
	}
	return target.OptionBag{target.OptHealthcheck: list}
}

func unit(host string, roles []string, opts ...target.OptionBag) target.Unit {
	u := target.Unit{Host: host, Roles: roles, Options: map[string]target.OptionBag{}}
	for i, r := range roles {
		u.Options[r] = opts[i]
	}
	return u
}

func newEngine(p healthcheck.Prober) *healthcheck.Engine {
	return healthcheck.NewEngine(p, nil, healthcheck.WithRetryInterval(5*time.Millisecond))
}

func TestRunNoChecksSucceeds(t *testing.T) {
	p := &scriptedProber{}
	err := newEngine(p).Run(context.Background(), unit("web-01", []string{"web"}, target.OptionBag{}))
	require.NoError(t, err)
	assert.Empty(t, p.calls)
}

func TestRunShortCircuitsOnFirstFailure(t *testing.T) {
	p := &scriptedProber{scripts: map[string][]response{
		"http://web-01:81/a": {{status: 500, body: "down"}},
		"http://web-01:82/b": {{status: 200, body: "OK"}},
	}}
	u := unit("web-01", []string{"web"}, checks(
		map[string]any{"port": 81, "path": "/a", "expected_result": "OK", "timeout_seconds": 0.03},
		map[string]any{"port": 82, "path": "/b", "expected_result": "OK"},
	))

	err := newEngine(p).Run(context.Background(), u)

	var failure *healthcheck.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "http://web-01:81/a", failure.URL)
	assert.Equal(t, 500, failure.LastStatus)
	assert.NotContains(t, p.calls, "http://web-01:82/b", "B must never run after A fails")
}

func TestRunRetriesUntilMatch(t *testing.T) {
	p := &scriptedProber{scripts: map[string][]response{
		"http://web-01:8080/status": {
			{err: errors.New("connection refused")},
			{status: 503, body: "starting"},
			{status: 200, body: "OK\n"},
		},
	}}
	u := unit("web-01", []string{"web"}, checks(map[string]any{"port": 8080, "path": "/status", "expected_result": "OK"}))

	require.NoError(t, newEngine(p).Run(context.Background(), u))
	assert.Len(t, p.calls, 3)
}

func TestRunTimesOut(t *testing.T) {
	p := &scriptedProber{scripts: map[string][]response{
		"http://web-01:8080/": {{status: 200, body: "DEGRADED"}},
	}}
	u := unit("web-01", []string{"web"}, checks(map[string]any{"port": 8080, "expected_result": "OK", "timeout_seconds": 0.05}))

	start := time.Now()
	err := newEngine(p).Run(context.Background(), u)

	var failure *healthcheck.Failure
	require.ErrorAs(t, err, &failure)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Greater(t, len(p.calls), 1)
	assert.Equal(t, "DEGRADED", failure.LastBody)
	assert.Contains(t, err.Error(), `expected "OK"`)
}

func TestRunRolesInDeclarationOrder(t *testing.T) {
	p := &scriptedProber{scripts: map[string][]response{
		"http://web-01:1/": {{status: 200}},
		"http://web-01:2/": {{status: 200}},
		"http://web-01:3/": {{status: 200}},
	}}
	u := unit("web-01", []string{"app", "web"},
		checks(map[string]any{"port": 2}, map[string]any{"port": 3}),
		checks(map[string]any{"port": 1}),
	)

	require.NoError(t, newEngine(p).Run(context.Background(), u))
	assert.Equal(t, []string{"http://web-01:2/", "http://web-01:3/", "http://web-01:1/"}, p.calls)
}

func TestRunStripsUserFromHost(t *testing.T) {
	p := &scriptedProber{scripts: map[string][]response{"http://web-01:80/": {{status: 200}}}}
	u := unit("deploy@web-01", []string{"web"}, checks(map[string]any{"port": 80}))

	require.NoError(t, newEngine(p).Run(context.Background(), u))
}

func TestRunCancelled(t *testing.T) {
	p := &scriptedProber{}
	u := unit("web-01", []string{"web"}, checks(map[string]any{"port": 80}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := newEngine(p).Run(ctx, u)
	var failure *healthcheck.Failure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunInvalidCheck(t *testing.T) {
	u := unit("web-01", []string{"web"}, target.OptionBag{target.OptHealthcheck: map[string]any{"path": "/"}})
	err := newEngine(&scriptedProber{}).Run(context.Background(), u)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid healthcheck")
}

func TestRunProbesResolvedHostname(t *testing.T) {
	spec := checks(map[string]any{"port": 8080, "path": "/status"})

	p := &scriptedProber{scripts: map[string][]response{
		"http://web-01:8080/status": {{status: 200}},
	}}
	require.NoError(t, newEngine(p).Run(context.Background(), unit("deploy@web-01", []string{"web"}, spec)))
	assert.Equal(t, []string{"http://web-01:8080/status"}, p.calls, "user@ is stripped by default")

	p = &scriptedProber{scripts: map[string][]response{
		"http://10.0.0.5:8080/status": {{status: 200}},
	}}
	aliases := map[string]string{"deploy@web-01": "10.0.0.5"}
	e := healthcheck.NewEngine(p, nil,
		healthcheck.WithRetryInterval(5*time.Millisecond),
		healthcheck.WithHostResolver(func(host string) string { return aliases[host] }))
	require.NoError(t, e.Run(context.Background(), unit("deploy@web-01", []string{"web"}, spec)))
	assert.Equal(t, []string{"http://10.0.0.5:8080/status"}, p.calls)
}
