// Unified error handling for the TinyG Go migration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"runtime"
)

// StatusCode represents the category of error
type StatusCode string

const (
	// Generic errors
	ErrInternal  StatusCode = "INTERNAL"
	ErrAssertion StatusCode = "ASSERTION_FAILURE"

	// Configuration errors
	ErrConfigSection    StatusCode = "CONFIG_SECTION"
	ErrConfigOption     StatusCode = "CONFIG_OPTION"
	ErrConfigValidation StatusCode = "CONFIG_VALIDATION"
	ErrConfigType       StatusCode = "CONFIG_TYPE"

	// G-code interpretation errors
	ErrGCodeParse         StatusCode = "GCODE_PARSE"
	ErrGCodeUnsupported   StatusCode = "GCODE_UNSUPPORTED"
	ErrGCodeMissingParam  StatusCode = "GCODE_MISSING_PARAM"
	ErrGCodeInvalidParam  StatusCode = "GCODE_INVALID_PARAM"
	ErrBadNumberFormat    StatusCode = "BAD_NUMBER_FORMAT"
	ErrFeedRateNotSet     StatusCode = "FEED_RATE_NOT_SET"
	ErrModalGroupConflict StatusCode = "MODAL_GROUP_CONFLICT"

	// Machine-model errors
	ErrSoftLimit        StatusCode = "SOFT_LIMIT_EXCEEDED"
	ErrMachineAlarmed   StatusCode = "MACHINE_ALARMED"
	ErrAxisUnconfigured StatusCode = "AXIS_UNCONFIGURED"

	// Arc errors
	ErrArcSpecification StatusCode = "ARC_SPECIFICATION"
	ErrArcRadius        StatusCode = "ARC_RADIUS"
	ErrArcPlane         StatusCode = "ARC_PLANE"

	// Planner errors
	ErrPlannerFull      StatusCode = "PLANNER_FULL"
	ErrPlannerAssertion StatusCode = "PLANNER_ASSERTION"
	ErrMinLength        StatusCode = "MOVE_UNDER_MIN_LENGTH"
	ErrMinTime          StatusCode = "MOVE_UNDER_MIN_TIME"

	// Stepper runtime errors
	ErrStepperPrep StatusCode = "STEPPER_PREP"
	ErrStepperLoad StatusCode = "STEPPER_LOAD"
	ErrMotorConfig StatusCode = "MOTOR_CONFIG"
)

// MachineError is the unified error type for the controller
type MachineError struct {
	// Code is the status category
	Code StatusCode

	// Message is a human-readable error description
	Message string

	// Axis names the offending axis, if any ("x", "a", ...)
	Axis string

	// Section is the config section or component name
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Line is the G-code line number (if applicable)
	Line int

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *MachineError) Error() string {
	switch {
	case e.Axis != "":
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Axis, e.Message)
	case e.Section != "":
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error
func (e *MachineError) Unwrap() error {
	return e.Err
}

// SetAxis sets the offending axis
func (e *MachineError) SetAxis(axis string) *MachineError {
	e.Axis = axis
	return e
}

// SetSection sets the context section
func (e *MachineError) SetSection(section string) *MachineError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *MachineError) SetOption(option string) *MachineError {
	e.Option = option
	return e
}

// SetLine sets the G-code line number
func (e *MachineError) SetLine(line int) *MachineError {
	e.Line = line
	return e
}

// SetContext adds additional context
func (e *MachineError) SetContext(key string, value interface{}) *MachineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new MachineError
func New(code StatusCode, message string) *MachineError {
	return &MachineError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code StatusCode, message string) *MachineError {
	return &MachineError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *MachineError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *MachineError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *MachineError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *MachineError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// G-code errors

// GCodeParseError creates an error for G-code parsing failure
func GCodeParseError(line string, reason string) *MachineError {
	return New(ErrGCodeParse, fmt.Sprintf("failed to parse G-code: %s (reason: %s)", line, reason))
}

// GCodeUnsupportedError creates an error for an unsupported G-code command
func GCodeUnsupportedError(command string) *MachineError {
	return New(ErrGCodeUnsupported, fmt.Sprintf("unsupported G-code command: %s", command))
}

// GCodeMissingParameterError creates an error for missing G-code parameter
func GCodeMissingParameterError(command, param string) *MachineError {
	return New(ErrGCodeMissingParam, fmt.Sprintf("G-code command '%s' missing required parameter: %s", command, param))
}

// GCodeInvalidParameterError creates an error for invalid G-code parameter
func GCodeInvalidParameterError(command, param, value string, reason string) *MachineError {
	return New(ErrGCodeInvalidParam, fmt.Sprintf("G-code command '%s': invalid parameter '%s=%s' (%s)", command, param, value, reason))
}

// FeedRateError creates an error for a feed move with no feed rate set
func FeedRateError(command string) *MachineError {
	return New(ErrFeedRateNotSet, fmt.Sprintf("'%s' requires a feed rate", command))
}

// Machine-model errors

// SoftLimitError creates an error for a soft travel limit violation
func SoftLimitError(axis string, coord, min, max float64) *MachineError {
	return New(ErrSoftLimit, fmt.Sprintf("%s target %.3f out of travel [%.3f, %.3f]", axis, coord, min, max)).
		SetAxis(axis)
}

// AlarmError creates an error for a command rejected while alarmed
func AlarmError(command string) *MachineError {
	return New(ErrMachineAlarmed, fmt.Sprintf("'%s' rejected: machine is in alarm state", command))
}

// Arc errors

// ArcSpecificationError creates an error for an ill-specified arc
func ArcSpecificationError(reason string) *MachineError {
	return New(ErrArcSpecification, fmt.Sprintf("arc specification error: %s", reason))
}

// ArcRadiusError creates an error for an impossible arc radius
func ArcRadiusError(radius float64, reason string) *MachineError {
	return New(ErrArcRadius, fmt.Sprintf("arc radius %.4f: %s", radius, reason))
}

// Planner errors

// PlannerFullError creates an error for a queue append with no free buffer
func PlannerFullError() *MachineError {
	return New(ErrPlannerFull, "no planner buffer available")
}

// PlannerAssertionError creates an error for an internal planner inconsistency
func PlannerAssertionError(where string, reason string) *MachineError {
	return New(ErrPlannerAssertion, fmt.Sprintf("planner assertion in %s: %s", where, reason)).
		SetSection(where)
}

// Stepper errors

// StepperPrepError creates an error for a segment prep failure
func StepperPrepError(reason string) *MachineError {
	return New(ErrStepperPrep, fmt.Sprintf("segment prep failed: %s", reason))
}

// MotorConfigError creates an error for invalid motor configuration
func MotorConfigError(motor int, reason string) *MachineError {
	return New(ErrMotorConfig, fmt.Sprintf("motor %d: %s", motor, reason))
}

// InternalError creates a general internal error
func InternalError(message string) *MachineError {
	return New(ErrInternal, message)
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic() *MachineError {
	if r := recover(); r != nil {
		var err error
		switch x := r.(type) {
		case string:
			err = InternalError(fmt.Sprintf("panic: %s", x))
		case error:
			err = InternalError(x.Error())
		case runtime.Error:
			err = InternalError(x.Error())
		default:
			err = InternalError(fmt.Sprintf("panic: %v", x))
		}
		return err.(*MachineError)
	}
	return nil
}

// Is checks if error matches given status code
func Is(err error, code StatusCode) bool {
	if machErr, ok := err.(*MachineError); ok {
		return machErr.Code == code
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsGCode checks if error is a G-code error
func IsGCode(err error) bool {
	return Is(err, ErrGCodeParse) ||
		Is(err, ErrGCodeUnsupported) ||
		Is(err, ErrGCodeMissingParam) ||
		Is(err, ErrGCodeInvalidParam) ||
		Is(err, ErrBadNumberFormat) ||
		Is(err, ErrFeedRateNotSet)
}

// IsArc checks if error is an arc specification error
func IsArc(err error) bool {
	return Is(err, ErrArcSpecification) ||
		Is(err, ErrArcRadius) ||
		Is(err, ErrArcPlane)
}

// IsAlarm checks if error should alarm the machine
func IsAlarm(err error) bool {
	return Is(err, ErrSoftLimit) ||
		Is(err, ErrPlannerAssertion) ||
		Is(err, ErrAssertion)
}
