package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
)

var healthNow = time.Date(2024, time.March, 14, 9, 30, 0, 0, time.UTC)

func ok(context.Context) error { return nil }

func TestDependencyHealthRepositoryAllHealthy(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Critical: true, Check: ok},
		{Name: "payment-api", Check: ok},
	}, WithDependencyClock(func() time.Time { return healthNow }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if got := report.Checks["firestore"].CheckedAt; !got.Equal(healthNow) {
		t.Fatalf("expected checkedAt %s, got %s", healthNow, got)
	}
}

func TestDependencyHealthRepositoryClassifiesFailures(t *testing.T) {
	down := func(context.Context) error { return errors.New("connection refused") }

	cases := []struct {
		name     string
		critical bool
		want     string
	}{
		{name: "non critical dependency degrades", critical: false, want: domain.HealthStatusDegraded},
		{name: "critical dependency errors", critical: true, want: domain.HealthStatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, err := NewDependencyHealthRepository([]DependencyCheck{
				{Name: "firestore", Critical: true, Check: ok},
				{Name: "dependency", Critical: tc.critical, Check: down},
			})
			if err != nil {
				t.Fatalf("NewDependencyHealthRepository: %v", err)
			}
			report, _ := repo.Collect(context.Background())
			if report.Status != tc.want {
				t.Fatalf("expected report %s, got %s", tc.want, report.Status)
			}
			check := report.Checks["dependency"]
			if check.Status != tc.want || check.Error != "connection refused" {
				t.Fatalf("unexpected check %+v", check)
			}
			if report.Checks["firestore"].Status != domain.HealthStatusOK {
				t.Fatalf("healthy check must stay ok")
			}
		})
	}
}

func TestDependencyHealthRepositoryTimeout(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, _ := repo.Collect(context.Background())
	check := report.Checks["firestore"]
	if check.Status != domain.HealthStatusError || check.Detail != "timeout" {
		t.Fatalf("expected timeout error, got %+v", check)
	}
}

func TestNewDependencyHealthRepositoryValidation(t *testing.T) {
	cases := map[string][]DependencyCheck{
		"empty":     nil,
		"no name":   {{Check: ok}},
		"no check":  {{Name: "firestore"}},
		"duplicate": {{Name: "firestore", Check: ok}, {Name: "firestore", Check: ok}},
	}
	for name, checks := range cases {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
