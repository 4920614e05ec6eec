package certno_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/gacp-platform/certification-core/internal/certno"
)

func TestConcurrentGenerationNoDuplicatesNoGaps(t *testing.T) {
	gen := certno.NewMemoryGenerator("GACP")

	const n = 100
	var (
		mu      sync.Mutex
		issued  []string
		wg      sync.WaitGroup
		failure error
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			num, err := gen.Generate(context.Background(), 2025)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failure = err
				return
			}
			issued = append(issued, num.Formatted)
		}()
	}
	wg.Wait()

	if failure != nil {
		t.Fatalf("generate: %v", failure)
	}
	if len(issued) != n {
		t.Fatalf("issued %d numbers, want %d", len(issued), n)
	}

	sort.Strings(issued)
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("GACP-2025-%04d", i+1)
		if issued[i] != want {
			t.Fatalf("issued[%d] = %s, want %s (duplicate or gap)", i, issued[i], want)
		}
	}
}

func TestYearsCountIndependently(t *testing.T) {
	gen := certno.NewMemoryGenerator("")

	a, err := gen.Generate(context.Background(), 2025)
	if err != nil {
		t.Fatalf("generate 2025: %v", err)
	}
	b, err := gen.Generate(context.Background(), 2026)
	if err != nil {
		t.Fatalf("generate 2026: %v", err)
	}

	if a.Formatted != "GACP-2025-0001" {
		t.Fatalf("2025 number = %s", a.Formatted)
	}
	if b.Formatted != "GACP-2026-0001" {
		t.Fatalf("2026 number = %s", b.Formatted)
	}
}

func TestOverflow(t *testing.T) {
	gen := certno.NewMemoryGenerator("")
	for i := 0; i < certno.MaxSequence; i++ {
		if _, err := gen.Generate(context.Background(), 2025); err != nil {
			t.Fatalf("generate %d: %v", i+1, err)
		}
	}

	_, err := gen.Generate(context.Background(), 2025)
	if !errors.Is(err, certno.ErrCounterOverflow) {
		t.Fatalf("err = %v, want ErrCounterOverflow", err)
	}
}

func TestPGGeneratorUsesAtomicUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	gen := certno.NewPGGenerator(db, "GACP")

	mock.ExpectQuery("INSERT INTO certificate_counters").
		WithArgs(2025).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(42))

	num, err := gen.Generate(context.Background(), 2025)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if num.Formatted != "GACP-2025-0042" {
		t.Fatalf("formatted = %s, want GACP-2025-0042", num.Formatted)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestPGGeneratorOverflow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	gen := certno.NewPGGenerator(db, "")

	mock.ExpectQuery("INSERT INTO certificate_counters").
		WithArgs(2025).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(10000))

	_, err = gen.Generate(context.Background(), 2025)
	if !errors.Is(err, certno.ErrCounterOverflow) {
		t.Fatalf("err = %v, want ErrCounterOverflow", err)
	}
}
