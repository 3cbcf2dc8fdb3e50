package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/browser/browsertest"
	"github.com/entrhq/autopilot/pkg/login"
	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

type harness struct {
	accounts  *store.Accounts
	pool      *browser.Pool
	connector *browsertest.Connector
	page      *browsertest.Page
	mail      *mail.MemoryProvider
	sink      *trace.MemorySink
	tracer    *trace.Logger
}

func newHarness(t *testing.T, accts ...*types.Account) *harness {
	t.Helper()
	h := &harness{
		accounts: store.NewAccounts(store.NewMemoryStore(), nil),
		page:     browsertest.NewPage(),
		mail:     mail.NewMemoryProvider(nil, 10*time.Millisecond, nil),
		sink:     trace.NewMemorySink(),
	}
	h.connector = &browsertest.Connector{NewPage: func(string) browser.Page { return h.page }}
	h.pool = browser.NewPool(h.connector, browser.PoolConfig{MaxSize: 4})
	h.tracer = trace.New(h.sink, trace.Config{ScreenshotDir: t.TempDir()})
	t.Cleanup(h.pool.Close)
	t.Cleanup(h.tracer.Close)

	for _, a := range accts {
		_, err := h.accounts.Save(context.Background(), a)
		require.NoError(t, err)
	}
	return h
}

func (h *harness) run(t *testing.T, registry *pipeline.Registry, ids []string, stages ...string) *pipeline.Report {
	t.Helper()
	runner := pipeline.NewRunner(registry, h.accounts, pipeline.Config{Concurrency: 1},
		pipeline.WithPool(h.pool), pipeline.WithTracer(h.tracer))
	rep, err := runner.Run(context.Background(), pipeline.Request{TaskID: "t1", Accounts: ids, Stages: stages})
	require.NoError(t, err)
	return rep
}

func siteLocators() login.Locators {
	return login.Locators{
		LoginURL:         "https://site.test/login",
		Success:          []string{"#dashboard"},
		Identifier:       "#email",
		Password:         "#password",
		PasswordSubmit:   "#signin",
		CredentialErrors: []string{"#bad-password"},
	}
}

func TestLoginStage_SignsIn(t *testing.T) {
	h := newHarness(t, &types.Account{ID: "a1", Email: "a1@site.test", Password: "pw-a1-secret"})
	h.page.OnNavigate = func(p *browsertest.Page, url string) { p.Show("#email", "#password", "#signin") }
	h.page.OnClick["#signin"] = func(p *browsertest.Page) {
		p.Hide("#email", "#password")
		p.Show("#dashboard")
	}

	machine, err := login.New(siteLocators(), login.Config{ProbeTimeout: time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	registry, err := NewRegistry(Deps{Login: machine}, nil)
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"a1"}, types.StageLogin)
	require.True(t, rep.Success, rep.Results)
	assert.Equal(t, []string{"a1@site.test"}, h.page.FillsOf("#email"))

	stored, err := h.accounts.Get(context.Background(), "a1")
	require.NoError(t, err)
	rec := stored.Stage(types.StageLogin)
	assert.Equal(t, types.StageStatusSuccess, rec.Status)
	assert.Equal(t, string(login.LoggedIn), rec.Result["state"])
	assert.Equal(t, 1, h.pool.Stats().Idle, "lease kept warm")
}

func TestLoginStage_FailureCapturesScreenshotAndDropsLease(t *testing.T) {
	h := newHarness(t, &types.Account{ID: "a1", Email: "a1@site.test", Password: "pw-a1-secret"})
	h.page.OnNavigate = func(p *browsertest.Page, url string) { p.Show("#email", "#password", "#signin") }
	h.page.OnClick["#signin"] = func(p *browsertest.Page) {
		p.Hide("#email", "#password")
		p.SetText("#bad-password", "Incorrect password")
	}

	machine, err := login.New(siteLocators(), login.Config{ProbeTimeout: time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	registry, err := NewRegistry(Deps{Login: machine}, nil)
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"a1"}, types.StageLogin)
	res := rep.Results[0]
	assert.Equal(t, types.ClassCredentialRejected, res.Class)
	assert.Equal(t, 0, h.pool.Stats().Size)

	var shot *types.TraceEvent
	for _, e := range h.sink.Events() {
		if e.Action == "screenshot" {
			e := e
			shot = &e
		}
	}
	require.NotNil(t, shot)
	assert.NotEmpty(t, shot.Screenshot)
	assert.Equal(t, "https://site.test/login", shot.URL)
	assert.FileExists(t, shot.Screenshot)
}

func TestScript_MailCodeRoundTrip(t *testing.T) {
	h := newHarness(t, &types.Account{ID: "a1", Email: "a1@mail.test"})
	h.page.OnNavigate = func(p *browsertest.Page, url string) { p.Show("#code", "#submit") }
	h.page.OnClick["#submit"] = func(p *browsertest.Page) {
		if p.Value("#code") == "482913" {
			p.Show("#verified")
		}
	}
	require.NoError(t, h.mail.Deliver(context.Background(), mail.Message{
		From: "no-reply@site.test", To: "a1@mail.test", Subject: "Your code",
		HTML: "<p>Use <b>482913</b> to verify.</p>",
	}))

	registry, err := NewRegistry(Deps{Mail: h.mail}, []ScriptSpec{{
		Name: types.StageVerify,
		Steps: []Step{
			{Action: ActionNavigate, URL: "https://site.test/verify?u={{.Account.ID}}"},
			{Action: ActionMailCode, From: "*@site.test", Into: "code", Timeout: time.Second},
			{Action: ActionFill, Selector: "#code", Value: "{{.Data.code}}"},
			{Action: ActionClick, Selector: "#submit"},
			{Action: ActionExpect, Selector: "#verified", Timeout: time.Second},
		},
	}})
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"a1"}, types.StageVerify)
	require.True(t, rep.Success, rep.Results)
	assert.Equal(t, []string{"https://site.test/verify?u=a1"}, h.page.Visited())
	assert.Equal(t, "482913", rep.Results[0].Stages[0].Result["code"])
}

func TestScript_ExtractFeedsLaterStage(t *testing.T) {
	h := newHarness(t, &types.Account{ID: "a1"})
	h.page.SetText("#offer", "Your link: https://site.test/claim/XYZ")

	registry, err := NewRegistry(Deps{}, []ScriptSpec{
		{Name: types.StageEntitlement, Steps: []Step{
			{Action: ActionExtract, Selector: "#offer", Pattern: `(https://\S+)`, Into: "link"},
		}},
		{Name: types.StageAccept, Steps: []Step{
			{Action: ActionNavigate, URL: `{{index .Results "entitlement_link" "link"}}`},
		}},
	})
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"a1"}, types.StageEntitlement, types.StageAccept)
	require.True(t, rep.Success, rep.Results)
	assert.Equal(t, []string{"https://site.test/claim/XYZ"}, h.page.Visited())
}

func TestScript_MissingElementIsExternalStepFailure(t *testing.T) {
	h := newHarness(t, &types.Account{ID: "a1"})
	registry, err := NewRegistry(Deps{}, []ScriptSpec{{Name: "pool_enroll", Steps: []Step{
		{Action: ActionClick, Selector: "#maybe-banner", Optional: true},
		{Action: ActionExtract, Selector: "#slot", Into: "slot"},
	}}})
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"a1"}, "pool_enroll")
	res := rep.Results[0]
	assert.Equal(t, types.ClassExternalStep, res.Class)
	assert.Contains(t, res.Message, "step 2 (extract)")
}

func TestScript_ChildSeesParent(t *testing.T) {
	h := newHarness(t,
		&types.Account{ID: "p1", Email: "owner@site.test", SeatCapacity: 1, Children: []string{"c1"}},
		&types.Account{ID: "c1", Email: "seat@mail.test", ParentID: "p1"})
	h.page.Show("#owner")

	registry, err := NewRegistry(Deps{}, []ScriptSpec{{Name: types.StageAccept, Applies: AppliesChild, Steps: []Step{
		{Action: ActionFill, Selector: "#owner", Value: "{{.Parent.Email}}"},
	}}})
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"p1", "c1"}, types.StageAccept)
	require.True(t, rep.Success)
	assert.Equal(t, []string{"owner@site.test"}, h.page.FillsOf("#owner"))
	assert.Equal(t, "not applicable", rep.Results[0].Stages[0].Message)
}

func TestInvite_InvitesEachSeatOnce(t *testing.T) {
	h := newHarness(t,
		&types.Account{ID: "p1", Email: "owner@site.test", SeatCapacity: 2, Children: []string{"c1", "c2"}},
		&types.Account{ID: "c1", Email: "c1@mail.test", ParentID: "p1"},
		&types.Account{ID: "c2", Email: "c2@mail.test", ParentID: "p1",
			Stages: map[string]types.StageRecord{types.StageInvite: {Status: types.StageStatusSuccess}}})
	h.page.Show("#invite-email", "#send")

	registry, err := NewRegistry(Deps{}, []ScriptSpec{{Name: types.StageInvite, PerChild: true, Steps: []Step{
		{Action: ActionNavigate, URL: "https://site.test/family"},
		{Action: ActionFill, Selector: "#invite-email", Value: "{{.Child.Email}}"},
		{Action: ActionClick, Selector: "#send"},
	}}})
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"p1"}, types.StageInvite)
	require.True(t, rep.Success, rep.Results)
	assert.Equal(t, []string{"c1@mail.test"}, h.page.FillsOf("#invite-email"))

	c1, err := h.accounts.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c1.Succeeded(types.StageInvite))
	assert.Equal(t, "p1", c1.Stage(types.StageInvite).Result["invited_by"])
}

func TestInvite_NoSeatsFails(t *testing.T) {
	h := newHarness(t, &types.Account{ID: "p1", SeatCapacity: 2})
	registry, err := NewRegistry(Deps{}, []ScriptSpec{{Name: types.StageInvite, PerChild: true, Steps: []Step{
		{Action: ActionClick, Selector: "#send"},
	}}})
	require.NoError(t, err)

	rep := h.run(t, registry, []string{"p1"}, types.StageInvite)
	assert.Equal(t, types.ClassExternalStep, rep.Results[0].Class)
}

func TestCompileErrors(t *testing.T) {
	cases := map[string]ScriptSpec{
		"no steps":              {Name: "x"},
		"unknown action":        {Name: "x", Steps: []Step{{Action: "teleport"}}},
		"missing selector":      {Name: "x", Steps: []Step{{Action: ActionClick}}},
		"missing url":           {Name: "x", Steps: []Step{{Action: ActionNavigate}}},
		"bad template":          {Name: "x", Steps: []Step{{Action: ActionNavigate, URL: "{{.Account"}}},
		"bad pattern":           {Name: "x", Steps: []Step{{Action: ActionExtract, Selector: "#a", Into: "a", Pattern: "("}}},
		"mail without provider": {Name: "x", Steps: []Step{{Action: ActionMailCode, Into: "code"}}},
		"extract without into":  {Name: "x", Steps: []Step{{Action: ActionExtract, Selector: "#a"}}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewScript(spec, nil, nil)
			assert.Error(t, err)
		})
	}
}
