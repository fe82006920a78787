package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tourkita/internal/errs"
)

var secret = []byte("test-secret")

func signed(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestReduce(t *testing.T) {
	exp := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	start := Session{}

	in := Reduce(start, SignedIn{UserID: "u1", Email: "juan@example.com", ExpiresAt: exp})
	if start != (Session{}) {
		t.Fatal("Reduce must not modify its input")
	}
	if !in.SignedIn(exp.Add(-time.Minute)) || in.SignedIn(exp) {
		t.Errorf("SignedIn around expiry wrong: %+v", in)
	}
	if in.Name() != "juan@example.com" {
		t.Errorf("Name = %q", in.Name())
	}

	name := "Juan"
	updated := Reduce(in, ProfileUpdated{DisplayName: &name})
	if updated.DisplayName != "Juan" || in.DisplayName != "" || updated.Email != in.Email {
		t.Errorf("ProfileUpdated: before %+v after %+v", in, updated)
	}

	if got := Reduce(Session{}, ProfileUpdated{DisplayName: &name}); got != (Session{}) {
		t.Errorf("profile update without a user should be ignored: %+v", got)
	}
	if got := Reduce(updated, SignedOut{}); got != (Session{}) {
		t.Errorf("SignedOut = %+v", got)
	}
	if got := Reduce(updated, nil); got != updated {
		t.Error("nil action should be a no-op")
	}
}

func TestStoreDispatch(t *testing.T) {
	st := NewStore()
	if st.Current().SignedIn(time.Now()) {
		t.Fatal("new store should be signed out")
	}

	snapshot := st.Dispatch(SignedIn{UserID: "u1"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "x"
			st.Dispatch(ProfileUpdated{DisplayName: &name})
			_ = st.Current()
		}()
	}
	wg.Wait()

	if snapshot.DisplayName != "" {
		t.Error("earlier snapshot must not observe later updates")
	}
	if st.Current().DisplayName != "x" {
		t.Errorf("Current = %+v", st.Current())
	}
	st.Dispatch(SignedOut{})
	if st.Current().UserID != "" {
		t.Error("expected signed out")
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should carry no session")
	}
	ctx := WithSession(context.Background(), Session{UserID: "u1"})
	s, ok := FromContext(ctx)
	if !ok || s.UserID != "u1" {
		t.Errorf("FromContext = %+v, %v", s, ok)
	}
}

func TestParseToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	good := signed(t, jwt.SigningMethodHS256, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: jwt.NewNumericDate(exp)},
		Email:            "maria@example.com",
		UserMetadata:     map[string]any{"full_name": "Maria Clara", "avatar_url": "https://cdn/x.png"},
	})

	a, err := ParseToken(secret, "Bearer "+good)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if a.UserID != "user-42" || a.Email != "maria@example.com" || a.DisplayName != "Maria Clara" || a.AvatarURL != "https://cdn/x.png" || !a.ExpiresAt.Equal(exp) {
		t.Errorf("action = %+v", a)
	}

	expired := signed(t, jwt.SigningMethodHS256, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})
	noExp := signed(t, jwt.SigningMethodHS256, secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	noSub := signed(t, jwt.SigningMethodHS256, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
	})
	wrongKey := signed(t, jwt.SigningMethodHS256, []byte("other"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(exp)},
	})
	hs512 := signed(t, jwt.SigningMethodHS512, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(exp)},
	})

	for name, tok := range map[string]string{
		"expired":   expired,
		"no expiry": noExp,
		"no sub":    noSub,
		"wrong key": wrongKey,
		"HS512":     hs512,
		"empty":     "",
		"garbage":   "a.b.c",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseToken(secret, tok); errs.KindOf(err) != errs.KindUnauthorized {
				t.Errorf("err = %v, want unauthorized", err)
			}
		})
	}

	if _, err := ParseToken(nil, good); errs.KindOf(err) != errs.KindUnavailable {
		t.Errorf("missing secret err = %v", err)
	}
}
