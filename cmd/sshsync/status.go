package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"sshsync/pkg/config"
	"sshsync/pkg/group"
	"sshsync/pkg/sshconfig"
	"sshsync/pkg/types"
	"sshsync/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Style definitions
var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4") // Comment
	bgLightColor   = lipgloss.Color("#44475A") // Current Line
	fgColor        = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	iconStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true).
			MarginRight(1)
)

// statusReport is what `sshsync status` shows
type statusReport struct {
	group.Info
	SSHConfig  string     `json:"sshConfig"`
	ConfigTime *time.Time `json:"configMtime,omitempty"`
	ConfigSize int        `json:"configSize"`
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show group membership and the synchronized file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			path, err := groupFilePath(cmd)
			if err != nil {
				return err
			}

			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no group file at %s, run 'sshsync init' first", path)
			}

			store, err := group.Open(path, zap.NewNop())
			if err != nil {
				return err
			}

			report := statusReport{Info: store.Info(), SSHConfig: cfg.SSHConfig}
			if report.SSHConfig == "" && report.UserName != "" {
				report.SSHConfig = sshconfig.DefaultPath(report.UserName)
			}
			if report.SSHConfig != "" {
				if state, err := sshconfig.New(report.SSHConfig, zap.NewNop()).Read(); err == nil {
					report.ConfigTime = &state.Mtime
					report.ConfigSize = len(state.Conf)
				}
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Println(renderStatus(report))
			fmt.Println(renderMembers(report.Members))
			return nil
		},
	}

	cmd.Flags().String("group-file", "", "group file path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

// createPanel creates a styled panel with title and content
func createPanel(title, icon, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}

	titleLine := iconStyle.Render(icon) + titleStyle.Render(title)
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func renderStatus(r statusReport) string {
	user := dangerValueStyle.Render("not set")
	if r.UserName != "" {
		user = valueStyle.Render(r.UserName)
	}

	peerID := warningValueStyle.Render("generated on first run")
	if r.PeerID != "" {
		peerID = accentValueStyle.Render(string(r.PeerID))
	}

	topic := warningValueStyle.Render("derived on first run")
	if r.Topic != "" {
		topic = valueStyle.Render(types.PeerID(r.Topic).Short() + "…")
	}

	rotation := valueStyle.Render("no")
	if r.RotationPending {
		rotation = warningValueStyle.Render("yes, restart the daemon")
	}

	mtime := dangerValueStyle.Render("missing")
	switch {
	case r.ConfigTime == nil:
	case r.ConfigTime.Equal(types.Epoch):
		mtime = warningValueStyle.Render("never edited (epoch)")
	default:
		mtime = valueStyle.Render(r.ConfigTime.Local().Format(time.RFC3339))
	}

	rows := []struct {
		label string
		value string
	}{
		{"User", user},
		{"Peer ID", peerID},
		{"Topic", topic},
		{"Group file", valueStyle.Render(r.Path)},
		{"SSH config", valueStyle.Render(r.SSHConfig)},
		{"Last edit", mtime},
		{"Size", valueStyle.Render(utils.FormatSize(int64(r.ConfigSize)))},
		{"Rotation pending", rotation},
		{"Members", valueStyle.Render(fmt.Sprintf("%d", len(r.Members)))},
	}

	var content strings.Builder
	for _, row := range rows {
		content.WriteString(labelStyle.Render(row.label+":") + " " + row.value + "\n")
	}

	return createPanel("SSHSYNC STATUS", "🔑", strings.TrimSpace(content.String()), 0)
}

func renderMembers(members []types.PeerID) string {
	if len(members) == 0 {
		return subtitleStyle.Render("No members admitted yet")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("#", "PEER ID")
	for i, m := range members {
		t.Row(fmt.Sprintf("%d", i+1), string(m))
	}

	return t.Render()
}
