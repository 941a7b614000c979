package webhook_test

import (
	"testing"
	"time"

	"github.com/artpar/apimeter/domain/webhook"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := webhook.SignPayload(payload, "s3cret")

	if !webhook.VerifySignature(payload, sig, "s3cret") {
		t.Error("valid signature rejected")
	}
	if !webhook.VerifySignature(payload, "sha256="+sig, "s3cret") {
		t.Error("prefixed signature rejected")
	}
	if webhook.VerifySignature(payload, sig, "other") {
		t.Error("signature with wrong secret accepted")
	}
	if webhook.VerifySignature([]byte(`{"id":"evt_2"}`), sig, "s3cret") {
		t.Error("signature for different payload accepted")
	}
	if webhook.VerifySignature(payload, sig, "") {
		t.Error("empty secret must never verify")
	}
	if webhook.VerifySignature(payload, "", "s3cret") {
		t.Error("empty signature accepted")
	}
}

func TestParseProvider_Sale(t *testing.T) {
	body := []byte(`{
		"id": "WH-1",
		"event_type": "PAYMENT.SALE.COMPLETED",
		"create_time": "2024-04-01T10:00:00Z",
		"resource": {"id": "SALE-9", "billing_agreement_id": "I-AGR", "amount": {"total": "10.25", "currency": "USD"}}
	}`)

	ev, err := webhook.ParseProvider(body)
	if err != nil {
		t.Fatalf("ParseProvider: %v", err)
	}
	if ev.Kind != webhook.KindPaymentSucceeded {
		t.Errorf("Kind = %s", ev.Kind)
	}
	if ev.AgreementRef != "I-AGR" || ev.TransactionRef != "SALE-9" {
		t.Errorf("agreement=%s tx=%s", ev.AgreementRef, ev.TransactionRef)
	}
	if ev.Amount == nil || ev.Amount.String() != "10.25" || ev.Currency != "USD" {
		t.Errorf("amount=%v currency=%s", ev.Amount, ev.Currency)
	}
	if !ev.OccurredAt.Equal(time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("OccurredAt = %v", ev.OccurredAt)
	}
	if ev.Source != webhook.SourceProvider {
		t.Errorf("Source = %s", ev.Source)
	}
}

func TestParseProvider_Agreement(t *testing.T) {
	body := []byte(`{"id":"WH-2","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-AGR","custom_id":"sub-1"}}`)

	ev, err := webhook.ParseProvider(body)
	if err != nil {
		t.Fatalf("ParseProvider: %v", err)
	}
	if ev.Kind != webhook.KindActivated || ev.AgreementRef != "I-AGR" || ev.SubscriptionID != "sub-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.TransactionRef != "" {
		t.Errorf("TransactionRef = %q, want empty", ev.TransactionRef)
	}
}

func TestParseProvider_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `nope`, webhook.ErrMalformed},
		{"missing id", `{"event_type":"X"}`, webhook.ErrMissingID},
		{"missing type", `{"id":"1"}`, webhook.ErrMissingType},
		{"bad amount", `{"id":"1","event_type":"PAYMENT.SALE.COMPLETED","resource":{"amount":{"total":"ten"}}}`, webhook.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := webhook.ParseProvider([]byte(tt.body)); err != tt.want {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestKindOfProviderType(t *testing.T) {
	tests := map[string]webhook.Kind{
		"BILLING.SUBSCRIPTION.CANCELLED":      webhook.KindCancelled,
		"billing.subscription.payment.failed": webhook.KindPaymentFailed,
		"CUSTOMER.DISPUTE.CREATED":            webhook.KindUnknown,
	}
	for in, want := range tests {
		if got := webhook.KindOfProviderType(in); got != want {
			t.Errorf("KindOfProviderType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseGeneric(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment.failed","timestamp":"2024-04-01T00:00:00Z","data":{"subscription_id":"sub-1","agreement_id":"I-1"}}`)

	ev, err := webhook.ParseGeneric(body)
	if err != nil {
		t.Fatalf("ParseGeneric: %v", err)
	}
	if ev.Kind != webhook.KindPaymentFailed || ev.SubscriptionID != "sub-1" || ev.AgreementRef != "I-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Source != webhook.SourceEvents {
		t.Errorf("Source = %s", ev.Source)
	}

	ev, err = webhook.ParseGeneric([]byte(`{"id":"evt_2","type":"user.created"}`))
	if err != nil || ev.Kind != webhook.KindUnknown {
		t.Errorf("unknown type: kind=%s err=%v", ev.Kind, err)
	}
}
