package feed

import (
	"context"
	"io"
	"strings"
	"testing"
)

const sampleCSV = `date,open,high,low,close,volume,iv
2025-06-02,401.00,406.50,399.80,404.90,1200,0.62
2025-06-03,405.00,412.00,403.10,410.25,1500,
2025-06-04,411.00,424.00,410.00,421.61,1900,0.58
`

func TestParseReplay(t *testing.T) {
	r, err := parseReplay(strings.NewReader(sampleCSV), "MSTR")
	if err != nil {
		t.Fatalf("parseReplay: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}

	ctx := context.Background()
	first, err := r.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Seq != 1 || first.Price != 404.90 || first.High != 406.50 || first.Low != 399.80 {
		t.Fatalf("first = %+v", first)
	}
	if first.IV == nil || *first.IV != 0.62 {
		t.Fatalf("first IV = %v, want 0.62", first.IV)
	}
	if first.Underlying != "MSTR" {
		t.Fatalf("underlying = %q", first.Underlying)
	}

	second, err := r.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.Seq != 2 || second.IV != nil {
		t.Fatalf("second = %+v, want seq 2 with no IV", second)
	}

	if _, err := r.Next(ctx); err != nil {
		t.Fatalf("Next(third): %v", err)
	}
	if _, err := r.Next(ctx); err != io.EOF {
		t.Fatalf("err after end = %v, want io.EOF", err)
	}
}

func TestParseReplayRejectsOutOfOrderDates(t *testing.T) {
	bad := `date,high,low,close
2025-06-03,412.00,403.10,410.25
2025-06-02,406.50,399.80,404.90
`
	if _, err := parseReplay(strings.NewReader(bad), "MSTR"); err == nil {
		t.Fatal("out-of-order dates accepted")
	}
}

func TestParseReplayRejectsMissingColumn(t *testing.T) {
	bad := "date,open,close\n2025-06-02,401,404.90\n"
	if _, err := parseReplay(strings.NewReader(bad), "MSTR"); err == nil {
		t.Fatal("missing high/low accepted")
	}
}

func TestParseReplayRejectsImplausibleBar(t *testing.T) {
	bad := `date,high,low,close
2025-06-02,399.00,406.00,404.90
`
	if _, err := parseReplay(strings.NewReader(bad), "MSTR"); err == nil {
		t.Fatal("low > high accepted")
	}
}

func TestParseReplayRejectsEmptyFile(t *testing.T) {
	if _, err := parseReplay(strings.NewReader("date,high,low,close\n"), "MSTR"); err == nil {
		t.Fatal("empty file accepted")
	}
}
