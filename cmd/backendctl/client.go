// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// migrationProgress mirrors the progress payload of the migration
// route.
type migrationProgress struct {
	Status  string   `json:"status"`
	Command string   `json:"command"`
	Output  []string `json:"output"`
	Success *bool    `json:"success"`
	Error   string   `json:"exception"`
}

// runShortCommand sends one command and prints the response.
func runShortCommand(cmd *cobra.Command, args []string) {
	body, status, err := sendCommand(cmd.Use)
	if err != nil {
		fatal("Request failed: %v", err)
	}
	if status != http.StatusOK {
		fatal("Server rejected %q (HTTP %d): %s", cmd.Use, status, string(body))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}

// runLongCommand starts a long command and follows its progress until
// the supervisor reports it finished.
func runLongCommand(cmd *cobra.Command, args []string) {
	body, status, err := sendCommand(cmd.Use)
	if err != nil {
		fatal("Request failed: %v", err)
	}
	if status != http.StatusOK {
		fatal("Server rejected %q (HTTP %d): %s", cmd.Use, status, string(body))
	}

	printed := 0
	for {
		time.Sleep(time.Second)

		body, status, err := sendCommand("progress")
		if err != nil {
			fatal("Progress request failed: %v", err)
		}
		if status != http.StatusOK {
			fatal("Progress request rejected (HTTP %d): %s", status, string(body))
		}

		var progress migrationProgress
		if err := json.Unmarshal(body, &progress); err != nil {
			fatal("Malformed progress response: %v", err)
		}

		for ; printed < len(progress.Output); printed++ {
			fmt.Println(progress.Output[printed])
		}
		if progress.Status != "migration_finished" {
			continue
		}

		if progress.Success == nil || !*progress.Success {
			fatal("Command %q failed: %s", cmd.Use, progress.Error)
		}
		if verbose {
			fmt.Printf("Command %q finished.\n", cmd.Use)
		}
		return
	}
}

// sendCommand posts one command to the internal migration route.
func sendCommand(name string) ([]byte, int, error) {
	payload, err := json.Marshal(map[string]any{"cmd": name, "verbose": verbose})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest("POST", address+"/internal/migrations", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
