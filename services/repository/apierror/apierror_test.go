// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type lockedErr struct{}

func (lockedErr) Error() string { return "locked" }
func (lockedErr) Kind() Kind    { return KindConflict }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("Branch", "MAIN/A"), KindNotFound},
		{"bad request", BadRequest("bad path %q", "x//y"), KindBadRequest},
		{"conflict", Conflict("moved"), KindConflict},
		{"wrapped conflict", fmt.Errorf("merge: %w", Conflict("moved")), KindConflict},
		{"foreign kinded", fmt.Errorf("outer: %w", lockedErr{}), KindConflict},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := NotFound("Branch", "MAIN/A")
	assert.Equal(t, "Branch 'MAIN/A' not found", err.Error())

	cause := errors.New("disk full")
	wrapped := Internal(cause, "commit on %s", "MAIN")
	assert.Equal(t, "commit on MAIN: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
	assert.Nil(t, Wrap(KindConflict, nil, "ignored"))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindBadRequest))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
	assert.Equal(t, "CONFLICT", KindConflict.String())
}
