// Unified error handling for the TinyG Go migration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *MachineError
		want string
	}{
		{
			name: "plain",
			err:  New(ErrInternal, "something broke"),
			want: "[INTERNAL] something broke",
		},
		{
			name: "with axis",
			err:  New(ErrSoftLimit, "out of travel").SetAxis("x"),
			want: "[SOFT_LIMIT_EXCEEDED:x] out of travel",
		},
		{
			name: "with section",
			err:  New(ErrConfigOption, "missing option").SetSection("machine"),
			want: "[CONFIG_OPTION:machine] missing option",
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%s: Error() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	inner := fmt.Errorf("parse failed")
	err := Wrap(inner, ErrConfigType, "bad value")

	if !stderrors.Is(err, inner) {
		t.Error("wrapped error should match inner via errors.Is")
	}
	if err.Unwrap() != inner {
		t.Error("Unwrap should return the inner error")
	}
}

func TestFluentSetters(t *testing.T) {
	err := New(ErrConfigValidation, "out of bounds").
		SetSection("axis x").
		SetOption("velocity_max").
		SetLine(42).
		SetContext("value", -1.0)

	if err.Section != "axis x" {
		t.Errorf("Section = %q, want 'axis x'", err.Section)
	}
	if err.Option != "velocity_max" {
		t.Errorf("Option = %q, want 'velocity_max'", err.Option)
	}
	if err.Line != 42 {
		t.Errorf("Line = %d, want 42", err.Line)
	}
	if err.Context["value"] != -1.0 {
		t.Error("Context should hold the set value")
	}
}

func TestIs(t *testing.T) {
	err := New(ErrPlannerFull, "no buffer")
	if !Is(err, ErrPlannerFull) {
		t.Error("Is should match the error's own code")
	}
	if Is(err, ErrSoftLimit) {
		t.Error("Is should not match a different code")
	}
	if Is(fmt.Errorf("plain"), ErrPlannerFull) {
		t.Error("Is should not match a non-MachineError")
	}
}

func TestCategoryChecks(t *testing.T) {
	tests := []struct {
		err      error
		isConfig bool
		isGCode  bool
		isArc    bool
		isAlarm  bool
	}{
		{ConfigSectionError("machine"), true, false, false, false},
		{ConfigOptionError("axis x", "jerk_max"), true, false, false, false},
		{GCodeParseError("G1 X", "bad word"), false, true, false, false},
		{FeedRateError("G1"), false, true, false, false},
		{ArcRadiusError(0.0001, "too small"), false, false, true, false},
		{SoftLimitError("y", 250, 0, 200), false, false, false, true},
		{PlannerAssertionError("zoid", "negative head"), false, false, false, true},
		{New(ErrStepperPrep, "prep"), false, false, false, false},
	}

	for i, tt := range tests {
		if got := IsConfig(tt.err); got != tt.isConfig {
			t.Errorf("case %d: IsConfig = %v, want %v", i, got, tt.isConfig)
		}
		if got := IsGCode(tt.err); got != tt.isGCode {
			t.Errorf("case %d: IsGCode = %v, want %v", i, got, tt.isGCode)
		}
		if got := IsArc(tt.err); got != tt.isArc {
			t.Errorf("case %d: IsArc = %v, want %v", i, got, tt.isArc)
		}
		if got := IsAlarm(tt.err); got != tt.isAlarm {
			t.Errorf("case %d: IsAlarm = %v, want %v", i, got, tt.isAlarm)
		}
	}
}

func TestSoftLimitError(t *testing.T) {
	err := SoftLimitError("x", 210.5, -5, 200)
	if err.Axis != "x" {
		t.Errorf("Axis = %q, want 'x'", err.Axis)
	}
	msg := err.Error()
	if !strings.Contains(msg, "210.500") || !strings.Contains(msg, "200.000") {
		t.Errorf("message should include coordinates, got %q", msg)
	}
}

func TestRecoverPanic(t *testing.T) {
	run := func() (err *MachineError) {
		defer func() {
			if e := RecoverPanic(); e != nil {
				err = e
			}
		}()
		panic("stepper underrun")
	}

	err := run()
	if err == nil {
		t.Fatal("expected recovered error")
	}
	if err.Code != ErrInternal {
		t.Errorf("Code = %q, want INTERNAL", err.Code)
	}
	if !strings.Contains(err.Message, "stepper underrun") {
		t.Errorf("message should include panic value, got %q", err.Message)
	}
}
