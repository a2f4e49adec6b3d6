package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/autowa/internal/api"
	"github.com/kalambet/autowa/internal/command"
	"github.com/kalambet/autowa/internal/config"
	"github.com/kalambet/autowa/internal/pipeline"
	"github.com/kalambet/autowa/internal/state"
)

// --- parse ---

type parsedCommand struct {
	Kind   string         `json:"kind"`
	Intent command.Intent `json:"intent"`
	At     time.Time      `json:"at,omitzero"`
}

var parseCmd = &cobra.Command{
	Use:   "parse <text>",
	Short: "Show how a command is understood, without running it",
	Long: `Parse a command locally and print the result as JSON.

Examples:
  autowa parse 'send "running late" to Alice'
  autowa parse /draft weekend opening hours
  autowa parse /schedule fitting with Bob at tomorrow 5pm`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := command.Parse(strings.Join(args, " "))
		out := parsedCommand{Kind: in.Kind(), Intent: in}
		if m, ok := in.(command.ScheduleMeeting); ok {
			out.At = m.Resolve(time.Now())
		}
		return printJSON(out)
	},
}

// --- send / draft / run ---

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a WhatsApp message to a contact",
	Long: `Send a message. The recipient may be a phone number, a contact name,
or part of one.

Example:
  autowa send --to alice "Your order is ready"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		if strings.TrimSpace(to) == "" {
			return usageError("--to is required")
		}
		return runCommand(cmd, command.FormatSend(strings.Join(args, " "), to))
	},
}

var draftCmd = &cobra.Command{
	Use:   "draft <topic>",
	Short: "Draft a message about a topic without sending it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, "/draft "+strings.Join(args, " "))
	},
}

var runCmd = &cobra.Command{
	Use:   "run <command>",
	Short: "Execute a raw command (send, /draft or /schedule)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, strings.Join(args, " "))
	},
}

func init() {
	sendCmd.Flags().String("to", "", "recipient name or phone number")
}

func runCommand(cmd *cobra.Command, text string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var res pipeline.CommandResult
	if err := client.post(cmd.Context(), "/v1/command", map[string]string{"text": text}, &res); err != nil {
		return err
	}

	switch res.Kind {
	case "draft":
		fmt.Fprintln(stdout, res.Text)
	case "schedule":
		when := res.At.Local().Format("Mon Jan 2 2006 15:04")
		if res.Sent {
			printSuccess("Scheduled %q for %s and invited %s (%s)", res.Title, when, res.Recipient, res.MessageID)
		} else {
			printSuccess("Scheduled %q for %s", res.Title, when)
		}
	default:
		printSuccess("Sent to %s (%s)", res.Recipient, res.MessageID)
	}
	return nil
}

// --- contacts ---

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List and manage contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listContacts(cmd, "")
	},
}

var contactsFindCmd = &cobra.Command{
	Use:   "find <name>",
	Short: "Find a contact by fuzzy name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listContacts(cmd, strings.Join(args, " "))
	},
}

var contactsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a contact and its latest messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var c struct {
			api.ContactView
			History []state.Message `json:"history"`
		}
		if err := client.get(cmd.Context(), fmt.Sprintf("/v1/contacts/%s?limit=%d", url.PathEscape(args[0]), limit), &c); err != nil {
			return err
		}

		fmt.Fprintf(stdout, "%s  %s  auto-reply %s\n", colorize(colorBold, c.DisplayName), c.ID, onOff(c.AutoReply))
		for _, m := range c.History {
			who := colorize(colorCyan, "them")
			if m.Sender == state.SenderMe {
				who = colorize(colorGreen, "me  ")
			}
			fmt.Fprintf(stdout, "  %s %s %s\n", colorize(colorDim, formatMillis(m.Timestamp)), who, m.Text)
		}
		return nil
	},
}

var contactsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Give a contact a custom name",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		name := strings.Join(args[1:], " ")
		if err := client.patch(cmd.Context(), "/v1/contacts/"+url.PathEscape(args[0]), map[string]string{"name": name}, nil); err != nil {
			return err
		}
		printSuccess("Renamed %s to %q", args[0], name)
		return nil
	},
}

var contactsForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Delete a contact's history and conversation memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes all messages and memory of %s. Use --confirm to proceed.", args[0])
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.delete(cmd.Context(), "/v1/contacts/"+url.PathEscape(args[0])+"/memory", nil); err != nil {
			return err
		}
		printSuccess("Forgot conversation with %s", args[0])
		return nil
	},
}

func init() {
	contactsShowCmd.Flags().Int("limit", 20, "number of messages to show")
	contactsForgetCmd.Flags().Bool("confirm", false, "confirm deletion")
	contactsCmd.AddCommand(contactsFindCmd)
	contactsCmd.AddCommand(contactsShowCmd)
	contactsCmd.AddCommand(contactsRenameCmd)
	contactsCmd.AddCommand(contactsForgetCmd)
}

func listContacts(cmd *cobra.Command, query string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	path := "/v1/contacts"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var contacts []api.ContactView
	if err := client.get(cmd.Context(), path, &contacts); err != nil {
		return err
	}

	if len(contacts) == 0 {
		fmt.Fprintln(stdout, "No contacts found.")
		return nil
	}
	for _, c := range contacts {
		fmt.Fprintf(stdout, "%-16s %-24s %s  %s  %s\n",
			colorize(colorCyan, c.ID),
			c.DisplayName,
			onOff(c.AutoReply),
			colorize(colorDim, formatMillis(c.Timestamp)),
			truncate(c.LastMessage, 60),
		)
	}
	return nil
}

// --- autoreply ---

var autoreplyCmd = &cobra.Command{
	Use:   "autoreply",
	Short: "Show or change automatic replies",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var p struct {
			Global     bool            `json:"global"`
			PerContact map[string]bool `json:"per_contact"`
		}
		if err := client.get(cmd.Context(), "/v1/autoreply", &p); err != nil {
			return err
		}
		printStatus("Global", "%s", onOff(p.Global))
		for id, on := range p.PerContact {
			printStatus(id, "%s", onOff(on))
		}
		return nil
	},
}

var autoreplyOnCmd = &cobra.Command{
	Use:   "on [contact-id]",
	Short: "Enable replies globally or for one contact",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAutoReply(cmd, args, true)
	},
}

var autoreplyOffCmd = &cobra.Command{
	Use:   "off [contact-id]",
	Short: "Disable replies globally or for one contact",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAutoReply(cmd, args, false)
	},
}

var autoreplyResetCmd = &cobra.Command{
	Use:   "reset <contact-id>",
	Short: "Remove a contact's override so the global setting applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.delete(cmd.Context(), "/v1/contacts/"+url.PathEscape(args[0])+"/autoreply", nil); err != nil {
			return err
		}
		printSuccess("%s follows the global setting again", args[0])
		return nil
	},
}

func init() {
	autoreplyCmd.AddCommand(autoreplyOnCmd)
	autoreplyCmd.AddCommand(autoreplyOffCmd)
	autoreplyCmd.AddCommand(autoreplyResetCmd)
}

func setAutoReply(cmd *cobra.Command, args []string, enabled bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	body := map[string]bool{"enabled": enabled}
	if len(args) == 0 {
		if err := client.put(cmd.Context(), "/v1/autoreply", body, nil); err != nil {
			return err
		}
		printSuccess("Auto-reply %s globally", onOff(enabled))
		return nil
	}
	if err := client.put(cmd.Context(), "/v1/contacts/"+url.PathEscape(args[0])+"/autoreply", body, nil); err != nil {
		return err
	}
	printSuccess("Auto-reply %s for %s", onOff(enabled), args[0])
	return nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <contact-id> <query>",
	Short: "Find a contact's earlier messages similar to a query",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := api.SearchRequest{ContactID: args[0], Query: strings.Join(args[1:], " "), NResults: limit}
		var resp struct {
			Results []api.SearchHit `json:"results"`
		}
		if err := client.post(cmd.Context(), "/v1/search", req, &resp); err != nil {
			return err
		}

		if len(resp.Results) == 0 {
			fmt.Fprintln(stdout, "No results found.")
			return nil
		}
		for i, r := range resp.Results {
			fmt.Fprintf(stdout, "%s [score: %.3f] %s\n  %s\n",
				colorize(colorBold, fmt.Sprintf("%d.", i+1)), r.Score, colorize(colorDim, formatMillis(r.Timestamp)), truncate(r.Text, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		contact, _ := cmd.Flags().GetString("contact")
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if contact != "" {
			q.Set("contact", contact)
		}
		var runs []api.RunView
		if err := client.get(cmd.Context(), "/v1/runs?"+q.Encode(), &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Fprintln(stdout, "No runs found.")
			return nil
		}
		for _, r := range runs {
			state := colorize(colorGreen, r.State)
			switch r.State {
			case string(pipeline.StateFailed):
				state = colorize(colorRed, r.State+" at "+r.FailedStep)
			case string(pipeline.StateSkipped):
				state = colorize(colorYellow, r.State)
			}
			fmt.Fprintf(stdout, "%s  %s  %-8s %-14s %s\n",
				colorize(colorDim, r.CreatedAt.Local().Format("2006-01-02 15:04:05")),
				colorize(colorCyan, r.ContactID),
				r.Kind,
				state,
				truncate(r.InboundText, 60),
			)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs")
	runsCmd.Flags().String("contact", "", "only runs for this contact id")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Secrets are written to the secrets file.\n\nKeys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
