package objectstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

func TestParseURI(t *testing.T) {
	loc, err := ParseURI("s3://media-bucket/takes/2026/song.wav")
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if loc.Bucket != "media-bucket" || loc.Key != "takes/2026/song.wav" {
		t.Fatalf("unexpected location: %+v", loc)
	}
	if loc.String() != "s3://media-bucket/takes/2026/song.wav" {
		t.Fatalf("String() = %q", loc.String())
	}
}

func TestParseURIRejects(t *testing.T) {
	for _, raw := range []string{"", "https://bucket/key", "s3://bucket", "s3:///key"} {
		if _, err := ParseURI(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	missing := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "gone"}
	if !IsNotFound(fmt.Errorf("wrapped: %w", missing)) {
		t.Fatal("expected NoSuchKey to be not found")
	}
	if IsNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}) {
		t.Fatal("AccessDenied is not a not-found error")
	}
	if IsNotFound(errors.New("plain")) {
		t.Fatal("plain errors are not api errors")
	}
}
