package ironbeam

import "testing"

func TestHeadersAtDeterministic(t *testing.T) {
	auth := &Auth{Key: "test-key", Secret: "test-secret"}

	h1 := auth.HeadersAt("POST", "/orders", `{"quantity":5}`, 1748874600)
	h2 := auth.HeadersAt("POST", "/orders", `{"quantity":5}`, 1748874600)

	if h1["IB-API-KEY"] != "test-key" {
		t.Fatalf("IB-API-KEY = %q", h1["IB-API-KEY"])
	}
	if h1["IB-TIMESTAMP"] != "1748874600" {
		t.Fatalf("IB-TIMESTAMP = %q", h1["IB-TIMESTAMP"])
	}
	if h1["IB-SIGNATURE"] == "" {
		t.Fatal("empty signature")
	}
	if h1["IB-SIGNATURE"] != h2["IB-SIGNATURE"] {
		t.Fatal("same inputs produced different signatures")
	}
}

func TestHeadersAtSignatureCoversAllParts(t *testing.T) {
	auth := &Auth{Key: "k", Secret: "s"}
	base := auth.HeadersAt("POST", "/orders", "body", 100)

	variants := []map[string]string{
		auth.HeadersAt("DELETE", "/orders", "body", 100),
		auth.HeadersAt("POST", "/orders/1", "body", 100),
		auth.HeadersAt("POST", "/orders", "other", 100),
		auth.HeadersAt("POST", "/orders", "body", 101),
	}
	for i, v := range variants {
		if v["IB-SIGNATURE"] == base["IB-SIGNATURE"] {
			t.Fatalf("variant %d did not change the signature", i)
		}
	}

	other := &Auth{Key: "k", Secret: "different"}
	if got := other.HeadersAt("POST", "/orders", "body", 100); got["IB-SIGNATURE"] == base["IB-SIGNATURE"] {
		t.Fatal("different secret produced the same signature")
	}
}
