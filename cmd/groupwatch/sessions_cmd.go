package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const sessionsRequestTimeout = 10 * time.Second

// sessionSummary mirrors session.Summary as served by /api/admin/sessions.
type sessionSummary struct {
	UserID     string `json:"userId"`
	Status     string `json:"status"`
	GroupCount int    `json:"groupCount"`
	LastError  string `json:"lastError,omitempty"`
	Busy       bool   `json:"busy"`
}

type sessionsPayload struct {
	Sessions []sessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	statusStyle = map[string]lipgloss.Style{
		"connected":       cellStyle.Foreground(lipgloss.Color("42")),
		"connecting":      cellStyle.Foreground(lipgloss.Color("214")),
		"pairing_pending": cellStyle.Foreground(lipgloss.Color("39")),
		"disconnected":    cellStyle.Foreground(lipgloss.Color("245")),
	}
)

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config.toml (default <data-dir>/config.toml)")
	serverURL := fs.String("server", "", "Server base URL (default from [server] listen)")
	token := fs.String("token", "", "Admin token (default from config or GROUPWATCH_ADMIN_TOKEN)")
	jsonOut := fs.Bool("json", false, "Print raw JSON")

	fs.Usage = func() {
		fmt.Println("Usage: groupwatch sessions [options]")
		fmt.Println()
		fmt.Println("List the sessions registered on a running server.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return fmt.Errorf("flag parsing: %w", err)
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		return err
	}
	base := firstNonEmpty(*serverURL, "http://"+cfg.Server.Listen)
	adminToken := firstNonEmpty(*token, cfg.Server.AdminToken)
	if adminToken == "" {
		return fmt.Errorf("an admin token is required (--token or [server] admin_token)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionsRequestTimeout)
	defer cancel()
	payload, err := fetchSessions(ctx, http.DefaultClient, base, adminToken)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	initColorProfile()
	fmt.Println(renderSessions(payload.Sessions))
	return nil
}

func fetchSessions(ctx context.Context, client *http.Client, baseURL, token string) (*sessionsPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/admin/sessions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out sessionsPayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func renderSessions(sessions []sessionSummary) string {
	if len(sessions) == 0 {
		return "No sessions registered."
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		busy := ""
		if s.Busy {
			busy = "yes"
		}
		rows = append(rows, []string{s.UserID, s.Status, strconv.Itoa(s.GroupCount), busy, s.LastError})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("USER", "STATUS", "GROUPS", "BUSY", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(rows) {
				if st, ok := statusStyle[rows[row][1]]; ok {
					return st
				}
			}
			return cellStyle
		})
	return t.String() + fmt.Sprintf("\n%d session(s)", len(sessions))
}
