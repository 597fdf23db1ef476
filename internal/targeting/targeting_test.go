package targeting

import (
	"context"
	"path/filepath"
	"testing"

	"crmflow/internal/payload"
	"crmflow/internal/store"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	err = s.UpsertCustomers(context.Background(), []store.Customer{
		{ID: "U1", Gender: "F", AgeBand: "20s", SkinType: "dry", Concerns: []string{"C01"}},
		{ID: "U2", Gender: "F", AgeBand: "20s", SkinType: "oily", Concerns: []string{"C02"}},
		{ID: "U3", Gender: "M", AgeBand: "30s", SkinType: "dry", Concerns: []string{"C01"}},
	})
	if err != nil {
		t.Fatalf("seed customers: %v", err)
	}
	return s
}

func TestBuilderIncludesBriefHints(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()

	got, err := Builder{}.BuildTarget(ctx, sess, payload.Payload{"goal": "winter", "season": "winter", "region": ""}, "PUSH", "amoremall")
	if err != nil {
		t.Fatalf("build target: %v", err)
	}
	target := payload.As(got)
	if target.Int("population") != 3 {
		t.Fatalf("expected population 3, got %#v", target)
	}
	q := target.Map("target_query")
	if q.String("season") != "winter" || q.String("channel") != "PUSH" {
		t.Fatalf("unexpected target_query %#v", q)
	}
	if _, ok := q["region"]; ok {
		t.Fatalf("expected empty hint to be skipped")
	}
	if target.String("summary") != "goal=winter, channel=PUSH, season=winter, population=3" {
		t.Fatalf("unexpected summary %q", target.String("summary"))
	}
}

func TestResolverMatchesFiltersAndKeywords(t *testing.T) {
	s := seededStore(t)
	r := &Resolver{
		Customers: s,
		Keywords: map[string]KeywordMapping{
			"dryness": {Category: "hydration", Codes: []string{"C01"}},
		},
		SampleSize: 1,
	}

	got, err := r.Resolve(context.Background(), TargetInput{
		Gender:          []string{"F"},
		ConcernKeywords: []string{"Dryness", "wrinkles"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Int("count") != 1 {
		t.Fatalf("expected 1 match, got %#v", got)
	}
	if ids := got.Strings("user_ids"); len(ids) != 1 || ids[0] != "U1" {
		t.Fatalf("unexpected user ids %#v", ids)
	}
	resolved := got.Map("resolved")
	if resolved.Map("Dryness").String("category") != "hydration" {
		t.Fatalf("expected case-insensitive mapping, got %#v", resolved)
	}
	if resolved.Map("wrinkles").String("category") != UnmappedCategory {
		t.Fatalf("expected unmapped marker, got %#v", resolved)
	}
}

func TestResolverUnmappedKeywordsSelectNobody(t *testing.T) {
	s := seededStore(t)
	r := &Resolver{Customers: s}
	got, err := r.Resolve(context.Background(), TargetInput{ConcernKeywords: []string{"unknown"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Int("count") != 0 || len(got.Strings("user_ids")) != 0 {
		t.Fatalf("expected empty audience, got %#v", got)
	}
}

func TestApplyWritesBothHandoffs(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	r := &Resolver{Customers: s}
	if _, err := r.Apply(ctx, s, "R001", TargetInput{AgeBands: []string{"20s"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	in, err := s.GetLatestHandoff(ctx, "R001", store.StageTargetInput)
	if err != nil || in == nil {
		t.Fatalf("expected TARGET_INPUT handoff (%v)", err)
	}
	if got := in.Payload.Strings("age_bands"); len(got) != 1 || got[0] != "20s" {
		t.Fatalf("unexpected target input %#v", in.Payload)
	}
	if _, ok := in.Payload["gender"]; ok {
		t.Fatalf("expected empty gender omitted")
	}
	aud, err := s.GetLatestHandoff(ctx, "R001", store.StageTargetAudience)
	if err != nil || aud == nil {
		t.Fatalf("expected TARGET_AUDIENCE handoff (%v)", err)
	}
	if aud.Payload.Int("count") != 2 {
		t.Fatalf("expected 2 customers in their 20s, got %#v", aud.Payload)
	}
}
