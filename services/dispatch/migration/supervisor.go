// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State of the supervisor's command slot.
type State int

const (
	StateNotRunning State = iota
	StateRunning
	StateFinished
)

// String renders the wire value of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "migration_running"
	case StateFinished:
		return "migration_finished"
	}
	return "migration_not_running"
}

// Progress is a snapshot of the current or last command.
type Progress struct {
	State   string   `json:"status"`
	Command string   `json:"command,omitempty"`
	Output  []string `json:"output"`
	Success *bool    `json:"success,omitempty"`
	Error   string   `json:"exception,omitempty"`
}

// CommandOutput is the response payload of a synchronous command.
type CommandOutput struct {
	Success bool     `json:"success"`
	Output  []string `json:"output"`
}

// Supervisor serializes migration commands over one engine.
//
// Description:
//
//	Long commands (migrate, finalize) run on a background goroutine;
//	while one runs, every command except progress fails with
//	ErrMigrationBusy. Output lines buffer in memory; progress calls
//	return a snapshot. A finished command's payload stays available to
//	progress calls until the next command starts, so a poller observes
//	every completion at least once.
//
// Thread Safety: all methods are safe for concurrent use.
type Supervisor struct {
	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	command string
	output  []string
	runErr  error
}

// NewSupervisor wires the supervisor as the engine's output sink.
func NewSupervisor(engine *Engine, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{engine: engine, logger: logger}
	engine.SetOutput(s.appendLine)
	return s
}

// Command dispatches one migration command by name.
//
// Inputs:
//
//	ctx - Context for the short synchronous commands. Long commands
//	      detach from it; they outlive the request that started them.
//	name - migrate | finalize | reset | stats |
//	       clear-collectionfield-tables | progress.
//
// Outputs:
//
//	any - Stats for "stats", Progress for "progress" and the long
//	      commands, CommandOutput for the short commands.
//	error - ErrMigrationBusy, or the failure of a short command.
func (s *Supervisor) Command(ctx context.Context, name string) (any, error) {
	switch name {
	case "migrate":
		return s.start(name, s.engine.Migrate)
	case "finalize":
		return s.start(name, s.engine.Finalize)
	case "reset":
		return s.short(ctx, s.engine.Reset)
	case "clear-collectionfield-tables":
		return s.short(ctx, s.engine.ClearCollectionfieldTables)
	case "stats":
		return s.stats(ctx)
	case "progress":
		return s.Progress(), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownCommand, name)
}

// start launches a long command in the background.
func (s *Supervisor) start(name string, fn func(context.Context) error) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return Progress{}, ErrMigrationBusy
	}
	s.state = StateRunning
	s.command = name
	s.output = nil
	s.runErr = nil
	s.logger.Info("migration command started", "command", name)

	go func() {
		// Detached from the request context: the command finishes even
		// when the caller goes away.
		err := fn(context.Background())
		s.mu.Lock()
		s.state = StateFinished
		s.runErr = err
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("migration command failed", "command", name, "error", err)
			return
		}
		s.logger.Info("migration command finished", "command", name)
	}()
	return s.progressLocked(), nil
}

// short runs a synchronous command under the supervisor lock; refused
// while a long one is running. Engine output is redirected into the
// command's own response, so the retained buffer of a finished long
// command stays intact for progress readers.
func (s *Supervisor) short(ctx context.Context, fn func(context.Context) error) (CommandOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return CommandOutput{}, ErrMigrationBusy
	}

	var lines []string
	s.engine.SetOutput(func(line string) { lines = append(lines, line) })
	defer s.engine.SetOutput(s.appendLine)

	if err := fn(ctx); err != nil {
		return CommandOutput{}, err
	}
	return CommandOutput{Success: true, Output: lines}, nil
}

// stats reads engine state, refused while a long command is mutating it.
func (s *Supervisor) stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return Stats{}, ErrMigrationBusy
	}
	return s.engine.Stats(ctx)
}

// Progress returns a snapshot of the command slot.
func (s *Supervisor) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Supervisor) progressLocked() Progress {
	out := make([]string, len(s.output))
	copy(out, s.output)
	p := Progress{
		State:   s.state.String(),
		Command: s.command,
		Output:  out,
	}
	if s.state == StateFinished {
		success := s.runErr == nil
		p.Success = &success
		if s.runErr != nil {
			p.Error = s.runErr.Error()
		}
	}
	return p
}

func (s *Supervisor) appendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, line)
}
