// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/quorumhq/quorum/lib/config"
	"github.com/quorumhq/quorum/lib/council"
	"github.com/quorumhq/quorum/lib/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[session.Status]lipgloss.Style{
		session.StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		session.StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		session.StatusPaused:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		session.StatusStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		session.StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}

	stageStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// runStatus implements `quorumd status`: query the running daemon
// over its control socket and render the session and council tables.
func runStatus(socketPath, configPath string) error {
	if socketPath == "" && configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		socketPath = cfg.SocketPath
	}
	if socketPath == "" {
		return errors.New("status: --socket or --config is required")
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}

	var sessions []session.Session
	if err := getJSON(client, "http://quorumd/v1/sessions", &sessions); err != nil {
		return err
	}
	var launches []council.Launch
	if err := getJSON(client, "http://quorumd/v1/councils", &launches); err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, renderStatus(sessions, launches))
	return nil
}

func getJSON(client *http.Client, url string, target any) error {
	response, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("querying daemon: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("querying daemon: %s", response.Status)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decoding daemon response: %w", err)
	}
	return nil
}

func renderStatus(sessions []session.Session, launches []council.Launch) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Sessions"))
	b.WriteString("\n")
	if len(sessions) == 0 {
		b.WriteString(labelStyle.Render("  (none)"))
		b.WriteString("\n")
	}
	for _, record := range sessions {
		style, ok := statusStyles[record.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		b.WriteString(fmt.Sprintf("  %-28s %-24s %s",
			record.ID, record.Name, style.Render(string(record.Status))))
		if record.CostUSD > 0 {
			b.WriteString(labelStyle.Render(fmt.Sprintf("  $%.4f", record.CostUSD)))
		}
		if record.LastError != "" {
			b.WriteString(failedStyle.Render("  " + record.LastError))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Councils"))
	b.WriteString("\n")
	if len(launches) == 0 {
		b.WriteString(labelStyle.Render("  (none)"))
		b.WriteString("\n")
	}
	for _, launch := range launches {
		b.WriteString(fmt.Sprintf("  %-28s %-10s members=%d round=%d/%d",
			launch.ID, stageStyle.Render(string(launch.Stage)),
			len(launch.MemberSessionIDs), launch.CurrentRound, launch.DiscussionRounds))
		if launch.Failed {
			b.WriteString(failedStyle.Render("  failed: " + launch.FailureReason))
		}
		b.WriteString("\n")
	}
	return b.String()
}
