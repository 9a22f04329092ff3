package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/HerbHall/floorsight/internal/event"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"go.uber.org/zap"
)

// testPlugin is a minimal plugin that records lifecycle calls.
type testPlugin struct {
	info     plugin.PluginInfo
	initErr  error
	startErr error
	log      *[]string
	subs     []plugin.Subscription
	routes   []plugin.Route
}

func newTestPlugin(log *[]string, name string, deps ...string) *testPlugin {
	return &testPlugin{
		info: plugin.PluginInfo{
			Name:         name,
			Version:      "1.0.0",
			Dependencies: deps,
			APIVersion:   plugin.APIVersionCurrent,
		},
		log: log,
	}
}

func (p *testPlugin) Info() plugin.PluginInfo { return p.info }

func (p *testPlugin) Init(context.Context, plugin.Dependencies) error {
	*p.log = append(*p.log, "init:"+p.info.Name)
	return p.initErr
}

func (p *testPlugin) Start(context.Context) error {
	*p.log = append(*p.log, "start:"+p.info.Name)
	return p.startErr
}

func (p *testPlugin) Stop(context.Context) error {
	*p.log = append(*p.log, "stop:"+p.info.Name)
	return nil
}

func (p *testPlugin) Subscriptions() []plugin.Subscription { return p.subs }
func (p *testPlugin) Routes() []plugin.Route               { return p.routes }

func noDeps(string) plugin.Dependencies { return plugin.Dependencies{Logger: zap.NewNop()} }

func mustRegister(t *testing.T, r *Registry, ps ...plugin.Plugin) {
	t.Helper()
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.Info().Name, err)
		}
	}
}

func TestRegister_rejects_duplicates_and_empty(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	mustRegister(t, r, newTestPlugin(&log, "episodes"))

	if err := r.Register(newTestPlugin(&log, "episodes")); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := r.Register(newTestPlugin(&log, "")); err == nil {
		t.Error("expected empty name error")
	}
}

func TestLifecycle_dependency_order(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	mustRegister(t, r,
		newTestPlugin(&log, "notify", "episodes"),
		newTestPlugin(&log, "episodes", "ingest"),
		newTestPlugin(&log, "ingest"),
	)

	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	r.StopAll(context.Background())

	want := "init:ingest,init:episodes,init:notify," +
		"start:ingest,start:episodes,start:notify," +
		"stop:notify,stop:episodes,stop:ingest"
	if got := strings.Join(log, ","); got != want {
		t.Errorf("lifecycle order\n got %s\nwant %s", got, want)
	}
}

func TestValidate_cycle(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	mustRegister(t, r, newTestPlugin(&log, "a", "b"), newTestPlugin(&log, "b", "a"))

	err := r.Validate()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Validate error = %v, want cycle error", err)
	}
}

func TestValidate_missing_dependency_cascades(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	mustRegister(t, r,
		newTestPlugin(&log, "episodes", "telemetry-v2"),
		newTestPlugin(&log, "notify", "episodes"),
		newTestPlugin(&log, "ingest"),
	)

	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for name, want := range map[string]bool{"episodes": true, "notify": true, "ingest": false} {
		if got := r.IsDisabled(name); got != want {
			t.Errorf("IsDisabled(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestValidate_required_missing_dependency_fails(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	p := newTestPlugin(&log, "episodes", "absent")
	p.info.Required = true
	mustRegister(t, r, p)

	if err := r.Validate(); err == nil {
		t.Fatal("expected error for required plugin with missing dependency")
	}
}

func TestValidate_api_version(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	p := newTestPlugin(&log, "future")
	p.info.APIVersion = plugin.APIVersionCurrent + 1
	mustRegister(t, r, p)

	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsDisabled("future") {
		t.Error("plugin targeting a newer API should be disabled")
	}
}

func TestDisable(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	req := newTestPlugin(&log, "episodes")
	req.info.Required = true
	mustRegister(t, r, req, newTestPlugin(&log, "ingest"))

	if err := r.Disable("episodes", "config"); err == nil {
		t.Error("disabling a required plugin should fail")
	}
	if err := r.Disable("ingest", "no brokers"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, ok := r.Resolve("ingest"); ok {
		t.Error("disabled plugin should not resolve")
	}

	health := r.Health(context.Background())
	if got := health["ingest"]; got.Status != "disabled" || got.Message != "no brokers" {
		t.Errorf("ingest health = %+v, want disabled/no brokers", got)
	}
	if got := health["episodes"].Status; got != "healthy" {
		t.Errorf("episodes health = %q, want healthy", got)
	}
}

func TestInitAll_optional_failure_disables(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	bad := newTestPlugin(&log, "notify")
	bad.initErr = errors.New("redis unreachable")
	mustRegister(t, r, bad, newTestPlugin(&log, "episodes"))

	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if !r.IsDisabled("notify") {
		t.Error("notify should be disabled after Init failure")
	}
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	for _, entry := range log {
		if entry == "start:notify" {
			t.Error("disabled plugin was started")
		}
	}
}

func TestInitAll_required_failure_aborts(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	bad := newTestPlugin(&log, "episodes")
	bad.info.Required = true
	bad.initErr = errors.New("migration failed")
	mustRegister(t, r, bad)

	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err == nil {
		t.Fatal("expected InitAll to fail for required plugin")
	}
}

func TestWireSubscriptions_and_routes(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	bus := event.NewBus(zap.NewNop())

	got := 0
	p := newTestPlugin(&log, "episodes")
	p.subs = []plugin.Subscription{{
		Topic:   "telemetry.ingested",
		Handler: func(context.Context, plugin.Event) { got++ },
	}}
	p.routes = []plugin.Route{{Method: "GET", Path: "/shortlists/{venue_id}"}}
	mustRegister(t, r, p)

	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	r.WireSubscriptions(bus)

	_ = bus.Publish(context.Background(), plugin.Event{Topic: "telemetry.ingested"})
	if got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}

	if routes := r.AllRoutes()["episodes"]; len(routes) != 1 {
		t.Errorf("AllRoutes[episodes] = %d routes, want 1", len(routes))
	}

	r.StopAll(context.Background())
	_ = bus.Publish(context.Background(), plugin.Event{Topic: "telemetry.ingested"})
	if got != 1 {
		t.Errorf("handler still subscribed after StopAll: calls = %d", got)
	}
}

func TestAll_follows_dependency_order(t *testing.T) {
	var log []string
	r := New(zap.NewNop())
	mustRegister(t, r,
		newTestPlugin(&log, "notify", "episodes"),
		newTestPlugin(&log, "episodes"),
	)

	names := func() string {
		var out []string
		for _, p := range r.All() {
			out = append(out, p.Info().Name)
		}
		return strings.Join(out, ",")
	}
	if got := names(); got != "episodes,notify" {
		t.Errorf("All() before Validate = %s, want sorted by name", got)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := names(); got != "episodes,notify" {
		t.Errorf("All() = %s, want episodes,notify", got)
	}
}
