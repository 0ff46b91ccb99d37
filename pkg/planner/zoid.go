// Trapezoid shaping for planned moves
//
// Shapes a move into head (acceleration), body (cruise) and tail
// (deceleration) regions under a constant-jerk model, given the entry,
// cruise and exit velocity limits set by the block-list planner.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package planner

import "math"

const (
	trapezoidIterationMax          = 10
	trapezoidIterationErrorPercent = 0.10
	trapezoidLengthFitTolerance    = 0.0001
)

// velocityTolerance is the adaptive term used to treat nearby
// velocities as equal.
func velocityTolerance(entryVelocity float64) float64 {
	return math.Max(2, entryVelocity/100)
}

// The minimum region lengths depend on the current velocities. Head and
// tail cover two minimum segments, the body covers one.
func minHeadLength(bf *Buffer) float64 {
	return minSegmentTimePlusMargin * (bf.cruiseVelocity + bf.entryVelocity)
}

func minTailLength(bf *Buffer) float64 {
	return minSegmentTimePlusMargin * (bf.cruiseVelocity + bf.exitVelocity)
}

func minBodyLength(bf *Buffer) float64 {
	return minSegmentTimePlusMargin * bf.cruiseVelocity
}

// calculateTrapezoid shapes bf into head/body/tail regions. The caller
// guarantees the entry velocity is low enough to decelerate to zero
// within the block without violating maximum jerk.
func calculateTrapezoid(bf *Buffer) {
	// Single-segment case: block fits into one body segment. Accept
	// the entry velocity, limit the cruise, and take the best exit
	// velocity the velocity slew allows. The jerk limit does not
	// apply to a single segment.
	naiveMoveTime := bf.length / bf.cruiseVelocity
	if naiveMoveTime <= NomSegmentTime {
		if naiveMoveTime < minSegmentTimePlusMargin {
			naiveMoveTime = minSegmentTimePlusMargin
			bf.cruiseVelocity = bf.length / naiveMoveTime
		}
		bf.exitVelocity = math.Max(0, math.Min(bf.cruiseVelocity, bf.entryVelocity-bf.deltaVmax))
		bf.bodyLength = bf.length
		bf.headLength = 0
		bf.tailLength = 0
		return
	}

	// Body case: velocities all match, or close enough. Occurs
	// frequently in gcode files with lots of short lines.
	tolerance := velocityTolerance(bf.entryVelocity)
	if bf.cruiseVelocity-bf.entryVelocity < tolerance &&
		bf.cruiseVelocity-bf.exitVelocity < tolerance {
		bf.bodyLength = bf.length
		bf.headLength = 0
		bf.tailLength = 0
		return
	}

	// Head-only and tail-only short-line cases, including the
	// degraded fits where the block cannot honor the requested
	// velocity change in the available length.
	bf.bodyLength = 0
	if bf.length <= minHeadLength(bf)+minBodyLength(bf)+minTailLength(bf) {
		if bf.entryVelocity > bf.exitVelocity { // tail-only (short deceleration)
			// Vt = (2*L)/T - Vi with T = 2t, so Vt = L/t - Vi
			if bf.length < minTailLength(bf) { // degraded case
				bf.exitVelocity = math.Max(0, bf.length/minSegmentTimePlusMargin-bf.entryVelocity)
			}
			bf.cruiseVelocity = bf.entryVelocity
			bf.tailLength = bf.length
			bf.headLength = 0
			return
		}

		if bf.entryVelocity < bf.exitVelocity { // head-only (short acceleration)
			if bf.length < minHeadLength(bf) { // degraded case
				bf.exitVelocity = math.Max(0, bf.length/minSegmentTimePlusMargin-bf.entryVelocity)
			}
			bf.cruiseVelocity = bf.exitVelocity
			bf.headLength = bf.length
			bf.tailLength = 0
			return
		}
	}

	// Set head and tail lengths for evaluating the rate-limited cases
	bf.headLength = targetLength(bf.entryVelocity, bf.cruiseVelocity, bf)
	bf.tailLength = targetLength(bf.exitVelocity, bf.cruiseVelocity, bf)
	if bf.headLength < minHeadLength(bf) {
		bf.headLength = minHeadLength(bf)
	}
	if bf.tailLength < minTailLength(bf) {
		bf.tailLength = minTailLength(bf)
	}

	if bf.length < bf.headLength+bf.tailLength { // rate limited

		// Symmetric rate-limited case
		if math.Abs(bf.entryVelocity-bf.exitVelocity) < velocityTolerance(bf.entryVelocity) {
			bf.headLength = bf.length / 2
			bf.tailLength = bf.headLength
			bf.cruiseVelocity = math.Min(bf.cruiseVmax, targetVelocity(bf.entryVelocity, bf.headLength, bf))

			if bf.headLength < minHeadLength(bf) {
				// Convert to a body-only move, averaging the entry
				// speed and the computed best cruise speed
				bf.bodyLength = bf.length
				bf.headLength = 0
				bf.tailLength = 0
				bf.cruiseVelocity = (bf.entryVelocity + bf.cruiseVelocity) / 2
				bf.entryVelocity = bf.cruiseVelocity
				bf.exitVelocity = bf.cruiseVelocity
			}
			return
		}

		// Asymmetric rate-limited case. Relatively expensive but not
		// called very often.
		computedVelocity := bf.cruiseVmax
		for i := 0; ; i++ {
			bf.cruiseVelocity = computedVelocity // initialize from previous iteration
			bf.headLength = targetLength(bf.entryVelocity, bf.cruiseVelocity, bf)
			bf.tailLength = targetLength(bf.exitVelocity, bf.cruiseVelocity, bf)
			if bf.headLength > bf.tailLength {
				bf.headLength = (bf.headLength / (bf.headLength + bf.tailLength)) * bf.length
				computedVelocity = targetVelocity(bf.entryVelocity, bf.headLength, bf)
			} else {
				bf.tailLength = (bf.tailLength / (bf.headLength + bf.tailLength)) * bf.length
				computedVelocity = targetVelocity(bf.exitVelocity, bf.tailLength, bf)
			}
			if math.Abs(bf.cruiseVelocity-computedVelocity)/computedVelocity <= trapezoidIterationErrorPercent {
				break
			}
			if i >= trapezoidIterationMax {
				break
			}
		}

		// Set velocity and clean up any region that came out too short
		bf.cruiseVelocity = computedVelocity
		bf.headLength = targetLength(bf.entryVelocity, bf.cruiseVelocity, bf)
		bf.tailLength = bf.length - bf.headLength
		if bf.headLength < minHeadLength(bf) {
			bf.tailLength = bf.length // adjust the move to be all tail...
			bf.headLength = 0
		}
		if bf.tailLength < minTailLength(bf) {
			bf.headLength = bf.length // ...or all head
			bf.tailLength = 0
		}
		return
	}

	// Requested-fit cases
	bf.bodyLength = bf.length - bf.headLength - bf.tailLength

	// A non-zero body below minimum length is distributed to the head
	// and/or tail. This introduces small velocity errors in runtime
	// execution but preserves correct distance, which matters more.
	if bf.bodyLength < minBodyLength(bf) && bf.bodyLength > trapezoidLengthFitTolerance {
		if bf.headLength > trapezoidLengthFitTolerance {
			if bf.tailLength > trapezoidLengthFitTolerance { // HBT reduces to HT
				bf.headLength += bf.bodyLength / 2
				bf.tailLength += bf.bodyLength / 2
			} else { // HB reduces to H
				bf.headLength += bf.bodyLength
			}
		} else { // BT reduces to T
			bf.tailLength += bf.bodyLength
		}
		bf.bodyLength = 0
	} else if bf.headLength <= trapezoidLengthFitTolerance && bf.tailLength <= trapezoidLengthFitTolerance {
		// A standalone body cruises at the entry velocity. This
		// removes a velocity discontinuity at the expense of top speed.
		bf.cruiseVelocity = bf.entryVelocity
	}
}

/*
 * Jerk kinematics. Given maximum jerk Jm:
 *
 *   T = 2*sqrt((Vt-Vi)/Jm)        time of the velocity transition
 *   L = (Vt+Vi)*sqrt((Vt-Vi)/Jm)  length covered by the transition
 *   Vt = L^(2/3)*Jm^(1/3) + Vi    velocity achievable over L (estimate)
 *
 * Vt cannot be assumed >= Vi due to rounding, hence the fabs.
 */

// targetLength returns the distance required to transition between Vi
// and Vt at the buffer's jerk.
func targetLength(vi, vt float64, bf *Buffer) float64 {
	return (vi + vt) * math.Sqrt(math.Abs(vt-vi)*bf.recipJerk)
}

// targetVelocity returns the velocity achievable from Vi over length L
// at the buffer's jerk.
func targetVelocity(vi, length float64, bf *Buffer) float64 {
	return math.Pow(length, 0.66666666)*bf.cbrtJerk + vi
}

// targetVelocityGivenTime returns the velocity reached from Vi when
// covering L in time T.
func targetVelocityGivenTime(vi, length, time float64) float64 {
	return (2*length)/time + vi
}
