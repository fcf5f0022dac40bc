// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByKindRegardlessOfCause(t *testing.T) {
	wrapped := NewError(KindAgain, fmt.Errorf("underlying syscall failure"))
	if !errors.Is(wrapped, ErrAgain) {
		t.Fatalf("errors.Is(wrapped, ErrAgain) = false, want true")
	}
	if errors.Is(wrapped, ErrDenied) {
		t.Fatalf("errors.Is(wrapped, ErrDenied) = true, want false")
	}
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	wrapped := NewError(KindBadHandle, cause)
	if !errors.Is(wrapped, cause) {
		t.Fatalf("errors.Is(wrapped, cause) = false, want true")
	}
}

func TestIsKind(t *testing.T) {
	err := NewError(KindConnectionReset, nil)
	if !IsKind(err, KindConnectionReset) {
		t.Fatalf("IsKind(err, KindConnectionReset) = false, want true")
	}
	if IsKind(err, KindNoMemory) {
		t.Fatalf("IsKind(err, KindNoMemory) = true, want false")
	}
	if IsKind(fmt.Errorf("plain"), KindConnectionReset) {
		t.Fatalf("IsKind on a plain error = true, want false")
	}
}

func TestKindCodeIsNegativeAndDistinctPerKind(t *testing.T) {
	seen := map[int32]Kind{}
	for k := KindInvalidArgument; k <= KindNoSuchProcess; k++ {
		code := k.Code()
		if code >= 0 {
			t.Fatalf("Kind(%v).Code() = %d, want negative", k, code)
		}
		if other, ok := seen[code]; ok {
			t.Fatalf("Kind(%v) and Kind(%v) both map to code %d", k, other, code)
		}
		seen[code] = k
	}
}
