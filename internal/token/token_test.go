package token

import (
	"strings"
	"testing"
	"time"
)

func withNow(t *testing.T, now time.Time) {
	t.Helper()
	old := nowFn
	nowFn = func() time.Time { return now }
	t.Cleanup(func() { nowFn = old })
}

func TestGenerateVerify(t *testing.T) {
	secret := []byte("secret")
	in := Tracking{RequestID: "r1", AdID: "ad1", CampaignID: "c1", CompanyID: "co", UserID: "u1", SessionID: "s1", Variant: "B", Position: 2}
	tok, err := Generate(in, secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	p, err := Verify(tok, secret, time.Minute)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.RequestID != "r1" || p.AdID != "ad1" || p.CampaignID != "c1" || p.UserID != "u1" || p.Variant != "B" || p.Position != 2 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.Issued == 0 {
		t.Fatal("issued timestamp not set")
	}
}

func TestVerifyExpired(t *testing.T) {
	secret := []byte("s")
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	withNow(t, start)
	tok, err := Generate(Tracking{RequestID: "r", AdID: "a"}, secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	withNow(t, start.Add(2*time.Hour))
	if _, err := Verify(tok, secret, time.Hour); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := Verify(tok, secret, 0); err != nil {
		t.Fatalf("zero ttl should skip expiry, got %v", err)
	}
}

func TestVerifyInvalid(t *testing.T) {
	secret := []byte("s")
	tok, _ := Generate(Tracking{RequestID: "r", AdID: "a"}, secret)

	cases := map[string]string{
		"tampered sig":  tok + "x",
		"no separator":  strings.ReplaceAll(tok, ".", ""),
		"bad base64":    "!!!." + strings.Split(tok, ".")[1],
		"empty":         "",
	}
	for name, in := range cases {
		if _, err := Verify(in, secret, time.Minute); err != ErrInvalid {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
	if _, err := Verify(tok, []byte("other"), time.Minute); err != ErrInvalid {
		t.Fatalf("wrong secret: expected ErrInvalid, got %v", err)
	}
}
