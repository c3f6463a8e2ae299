// Copyright (c) 2020–2024 The stm developers. All rights reserved.
// Project site: https://github.com/gotmc/stm
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package stm

import "errors"

var (
	// ErrConnectionFailure wraps dial, read and write failures.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrMalformedResponse is returned when a response could not be parsed
	// as the expected type, even after reading a second response.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrDeviceTimeout is returned when the instrument does not acknowledge
	// a command within the allowed number of attempts.
	ErrDeviceTimeout = errors.New("device timeout")
)
