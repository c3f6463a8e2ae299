// Copyright (c) 2020–2024 The stm developers. All rights reserved.
// Project site: https://github.com/gotmc/stm
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package stm

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Parameter groups of the control software.
const (
	groupBias     = "STM Bias"
	groupSetPoint = "STM Set Point"
	groupScanArea = "Scan Area Window"
	subScan       = "Scan Settings"
	subSave       = "MeasureSave"
)

// Procedure names understood by StartProcedure.
const (
	ProcedureImage = "dI-dV Map Scan Speed"
)

// SetParameterCmd formats a SetSWParameter command.
func SetParameterCmd(group, field, value string) string {
	return fmt.Sprintf("SetSWParameter, %s, %s, %s", group, field, value)
}

// SetSubItemCmd formats a SetSWSubItemParameter command.
func SetSubItemCmd(group, sub, field, value string) string {
	return fmt.Sprintf("SetSWSubItemParameter, %s, %s, %s, %s", group, sub, field, value)
}

// GetSubItemCmd formats a GetSWSubItemParameter command.
func GetSubItemCmd(group, sub, field string) string {
	return fmt.Sprintf("GetSWSubItemParameter, %s, %s, %s", group, sub, field)
}

// StartProcedureCmd formats a StartProcedure command.
func StartProcedureCmd(name string) string {
	return fmt.Sprintf("StartProcedure, %s", name)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SetBias sets the tip bias in volts. The command is repeated until the
// instrument replies "Done", which it only does once the bias has settled.
func (s *Session) SetBias(ctx context.Context, volts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := SetParameterCmd(groupBias, "Value", formatFloat(volts))
	var last string
	for attempt := 1; attempt <= s.biasRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.sendString(ctx, cmd, false)
		if err != nil {
			return err
		}
		if strings.Contains(resp, "Done") {
			return nil
		}
		last = resp
		s.log.Debug("bias not settled",
			zap.Float64("volts", volts), zap.Int("attempt", attempt), zap.String("response", resp))
	}
	return fmt.Errorf("%w: bias %s V not acknowledged after %d attempts, last response %q",
		ErrDeviceTimeout, formatFloat(volts), s.biasRetries, last)
}

// SetSetpoint sets the tunnelling current setpoint in amperes.
func (s *Session) SetSetpoint(ctx context.Context, amps float64) error {
	return s.command(ctx, SetParameterCmd(groupSetPoint, "Value", formatFloat(amps)))
}

// SetScanSize sets the edge length of the scan area in metres.
func (s *Session) SetScanSize(ctx context.Context, metres float64) error {
	return s.command(ctx, SetParameterCmd(groupScanArea, "Scan Area Size", formatFloat(metres)))
}

// SetScanPosition moves the centre of the scan area, in metres.
func (s *Session) SetScanPosition(ctx context.Context, x, y float64) error {
	return s.command(ctx,
		SetParameterCmd(groupScanArea, "X Offset", formatFloat(x)),
		SetParameterCmd(groupScanArea, "Y Offset", formatFloat(y)),
	)
}

// SetLineTime sets the time spent on one scan line, in seconds.
func (s *Session) SetLineTime(ctx context.Context, seconds float64) error {
	return s.command(ctx, SetParameterCmd(groupScanArea, "Line Time", formatFloat(seconds)))
}

// SetLinesPerFrame sets the number of lines in one image.
func (s *Session) SetLinesPerFrame(ctx context.Context, n int) error {
	return s.command(ctx, SetSubItemCmd(groupScanArea, subScan, "Lines Per Frame", strconv.Itoa(n)))
}

// SetScanCount sets how many images one procedure run acquires.
func (s *Session) SetScanCount(ctx context.Context, n int) error {
	return s.command(ctx, SetSubItemCmd(groupScanArea, subScan, "Scan Count", strconv.Itoa(n)))
}

// StartProcedure runs the named procedure and returns the reply, which the
// control software sends once the procedure has finished. Stale input is
// drained first so an earlier reply cannot be taken for this one.
func (s *Session) StartProcedure(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendString(ctx, StartProcedureCmd(name), true)
}

// SavePath returns the directory the control software saves measurements
// to, using the host's path separators.
func (s *Session) SavePath(ctx context.Context) (string, error) {
	resp, err := s.SendString(ctx, GetSubItemCmd(groupScanArea, subSave, "Save Path"))
	if err != nil {
		return "", err
	}
	return normalizePath(resp), nil
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return filepath.Clean(filepath.FromSlash(p))
}

// command sends each cmd in turn, stopping at the first failure.
func (s *Session) command(ctx context.Context, cmds ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range cmds {
		if _, err := s.sendString(ctx, cmd, false); err != nil {
			return err
		}
	}
	return nil
}
