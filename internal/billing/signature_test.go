package billing

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	header := SignPayload("whsec_test", payload, now)

	if !strings.HasPrefix(header, "t=") || !strings.Contains(header, ",v1=") {
		t.Fatalf("header format: %q", header)
	}
	if err := VerifyPayload("whsec_test", payload, header, now, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Now()
	payload := []byte("body")
	header := SignPayload("whsec_a", payload, now)
	if err := VerifyPayload("whsec_b", payload, header, now, 0); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	now := time.Now()
	header := SignPayload("whsec_test", []byte("original"), now)
	if err := VerifyPayload("whsec_test", []byte("tampered"), header, now, 0); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Now()
	payload := []byte("body")
	header := SignPayload("whsec_test", payload, now.Add(-10*time.Minute))
	if err := VerifyPayload("whsec_test", payload, header, now, 5*time.Minute); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v", err)
	}
	// within tolerance passes
	header = SignPayload("whsec_test", payload, now.Add(-4*time.Minute))
	if err := VerifyPayload("whsec_test", payload, header, now, 5*time.Minute); err != nil {
		t.Fatalf("verify within tolerance: %v", err)
	}
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	for _, header := range []string{"", "garbage", "t=abc,v1=def", "v1=deadbeef", "t=123"} {
		if err := VerifyPayload("whsec_test", []byte("x"), header, time.Now(), 0); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("header %q: err = %v", header, err)
		}
	}
}

func TestVerifyAcceptsAnyMatchingV1(t *testing.T) {
	now := time.Now()
	payload := []byte("body")
	good := SignPayload("whsec_test", payload, now)
	// prepend a stale candidate; one matching entry is enough
	header := strings.Replace(good, ",v1=", ",v1=0000,v1=", 1)
	if err := VerifyPayload("whsec_test", payload, header, now, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	raw := []byte(`{
		"id": "evt_42",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"id": "in_99",
			"customer": "cus_7",
			"subscription": "sub_3",
			"customer_email": "bob@example.com",
			"amount_due": 2900,
			"currency": "usd",
			"lines": {"data": [{"description": "Pro Plan"}]},
			"metadata": {"job_id": "job-1"}
		}}
	}`)
	event, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.ID != "evt_42" || event.Type != "invoice.payment_failed" {
		t.Fatalf("envelope = %+v", event)
	}
	if event.InvoiceID != "in_99" || event.SubscriptionID != "sub_3" {
		t.Fatalf("ids = %+v", event)
	}
	if event.PlanName != "Pro Plan" || event.AmountDue != 2900 {
		t.Fatalf("plan = %+v", event)
	}
	if event.Metadata["job_id"] != "job-1" {
		t.Fatalf("metadata = %v", event.Metadata)
	}
}

func TestParseEventMissingIDFails(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"type":"x"}`)); err == nil {
		t.Fatal("want error for missing id")
	}
}
