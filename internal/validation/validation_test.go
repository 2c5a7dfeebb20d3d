package validation

import (
	"errors"
	"testing"
)

type sample struct {
	Name     string `json:"name" validate:"required,max=5"`
	Email    string `json:"email" validate:"required,email"`
	Capacity int    `json:"capacity" validate:"gt=0"`
	Note     string `validate:"omitempty,max=2"`
}

func TestFields(t *testing.T) {
	v := New()
	err := v.Struct(sample{Name: "toolong", Email: "nope", Capacity: 0, Note: "abc"})
	if err == nil {
		t.Fatal("expected validation error")
	}

	got := Fields(err)
	want := map[string]string{
		"name":     "name must be at most 5 characters",
		"email":    "email must be a valid email address",
		"capacity": "capacity must be greater than 0",
		"Note":     "Note must be at most 2 characters",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, msg := range want {
		if got[k] != msg {
			t.Errorf("%s: got %q want %q", k, got[k], msg)
		}
	}
}

func TestFieldsIgnoresOtherErrors(t *testing.T) {
	if Fields(errors.New("plain")) != nil {
		t.Fatal("expected nil for non-validation error")
	}
	if err := New().Struct(sample{Name: "ok", Email: "a@b.co", Capacity: 1}); err != nil {
		t.Fatalf("valid struct rejected: %v", err)
	}
}
