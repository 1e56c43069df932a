package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/connector"
	"github.com/gotrs-io/mailbridge/internal/sender"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mailbridge",
	Short: "mailbridge - pooled SMTP/IMAP/POP3 mailbox connector",
	Long: `mailbridge connects to mail servers defined in a YAML configuration
file and runs one operation per invocation: probe a server, send a
message, list a mailbox, or mutate message state. Results are printed
as JSON on stdout.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPathFlag string
	connectionFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "mailbridge.yaml", "Path to the connections configuration file")
	rootCmd.PersistentFlags().StringVar(&connectionFlag, "connection", "", "Name of the connection to operate on (required)")

	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(bodyCmd)
	rootCmd.AddCommand(attachmentCmd)
	rootCmd.AddCommand(markReadCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(expungeCmd)
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Dial the configured server and hang up without registering a connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.TestConnection(cfg); err != nil {
				return err
			}
			return printJSON(connector.OKResult())
		})
	},
}

var (
	sendFromFlag        string
	sendToFlag          []string
	sendCCFlag          []string
	sendBCCFlag         []string
	sendReplyToFlag     []string
	sendSubjectFlag     string
	sendBodyFlag        string
	sendContentTypeFlag string
	sendAttachFlag      []string
)

func init() {
	sendCmd.Flags().StringVar(&sendFromFlag, "from", "", "Sender address (defaults to the connection username)")
	sendCmd.Flags().StringSliceVar(&sendToFlag, "to", nil, "Recipient addresses (required)")
	sendCmd.Flags().StringSliceVar(&sendCCFlag, "cc", nil, "Carbon-copy addresses")
	sendCmd.Flags().StringSliceVar(&sendBCCFlag, "bcc", nil, "Blind carbon-copy addresses")
	sendCmd.Flags().StringSliceVar(&sendReplyToFlag, "reply-to", nil, "Reply-To addresses")
	sendCmd.Flags().StringVar(&sendSubjectFlag, "subject", "", "Message subject")
	sendCmd.Flags().StringVar(&sendBodyFlag, "body", "", "Message body")
	sendCmd.Flags().StringVar(&sendContentTypeFlag, "content-type", "text/plain", "Body content type")
	sendCmd.Flags().StringSliceVar(&sendAttachFlag, "attach", nil, "Files to attach")
	sendCmd.MarkFlagRequired("to")
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through a transport connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		env := sender.Envelope{
			From:        sendFromFlag,
			To:          sendToFlag,
			CC:          sendCCFlag,
			BCC:         sendBCCFlag,
			ReplyTo:     sendReplyToFlag,
			Subject:     sendSubjectFlag,
			Body:        sendBodyFlag,
			ContentType: sendContentTypeFlag,
		}
		for _, path := range sendAttachFlag {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading attachment %s: %w", path, err)
			}
			env.Attachments = append(env.Attachments, sender.Attachment{
				Name:    filepath.Base(path),
				Content: content,
			})
		}
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.CreateConnection(cfg); err != nil {
				return err
			}
			if err := c.Send(cfg.ConnectionName, env); err != nil {
				return err
			}
			return printJSON(connector.OKResult())
		})
	},
}

var listFilterFlags config.MailboxFilter

func bindFilterFlags(cmd *cobra.Command) {
	defaults := config.DefaultFilter()
	cmd.Flags().StringVar(&listFilterFlags.Folder, "folder", defaults.Folder, "Mailbox folder to read")
	cmd.Flags().BoolVar(&listFilterFlags.DeleteAfterRetrieve, "delete-after-retrieve", false, "Delete listed messages after retrieval")
	cmd.Flags().BoolVar(&listFilterFlags.Seen, "seen", defaults.Seen, "Match messages with the seen flag set")
	cmd.Flags().BoolVar(&listFilterFlags.Answered, "answered", defaults.Answered, "Match messages with the answered flag set")
	cmd.Flags().BoolVar(&listFilterFlags.Recent, "recent", defaults.Recent, "Match messages with the recent flag set")
	cmd.Flags().BoolVar(&listFilterFlags.Deleted, "deleted", defaults.Deleted, "Match messages with the deleted flag set")
	cmd.Flags().StringVar(&listFilterFlags.SubjectRegex, "subject-regex", "", "Subject filter")
	cmd.Flags().StringVar(&listFilterFlags.FromRegex, "from-regex", "", "Sender filter")
	cmd.Flags().StringVar(&listFilterFlags.ReceivedSince, "received-since", "", "Only messages received after this local timestamp (2006-01-02T15:04:05)")
	cmd.Flags().StringVar(&listFilterFlags.ReceivedUntil, "received-until", "", "Only messages received before this local timestamp")
	cmd.Flags().StringVar(&listFilterFlags.SentSince, "sent-since", "", "Only messages sent after this local timestamp")
	cmd.Flags().StringVar(&listFilterFlags.SentUntil, "sent-until", "", "Only messages sent before this local timestamp")
	cmd.Flags().IntVar(&listFilterFlags.Offset, "offset", 0, "Number of matching messages to skip")
	cmd.Flags().IntVar(&listFilterFlags.Limit, "limit", config.UnboundedLimit, "Maximum messages to return, -1 for unbounded")
}

func init() {
	bindFilterFlags(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.CreateConnection(cfg); err != nil {
				return err
			}
			emails, err := c.List(cfg.ConnectionName, listFilterFlags)
			if err != nil {
				return err
			}
			return printJSON(connector.RenderList(emails))
		})
	},
}

var (
	bodyIndexFlag       int
	attachmentIndexFlag int
	attachmentOutFlag   string
)

func init() {
	bindFilterFlags(bodyCmd)
	bodyCmd.Flags().IntVar(&bodyIndexFlag, "index", 0, "Index of the email within the listing")
}

var bodyCmd = &cobra.Command{
	Use:   "body",
	Short: "Print the text and HTML bodies of one listed message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.CreateConnection(cfg); err != nil {
				return err
			}
			emails, err := c.List(cfg.ConnectionName, listFilterFlags)
			if err != nil {
				return err
			}
			body, err := connector.GetEmailBody(emails, bodyIndexFlag)
			if err != nil {
				return err
			}
			return printJSON(body)
		})
	},
}

func init() {
	bindFilterFlags(attachmentCmd)
	attachmentCmd.Flags().IntVar(&bodyIndexFlag, "index", 0, "Index of the email within the listing")
	attachmentCmd.Flags().IntVar(&attachmentIndexFlag, "attachment-index", 0, "Index of the attachment within the email")
	attachmentCmd.Flags().StringVar(&attachmentOutFlag, "out", "", "Write the attachment content to this file instead of stdout")
}

var attachmentCmd = &cobra.Command{
	Use:   "attachment",
	Short: "Fetch one attachment of one listed message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.CreateConnection(cfg); err != nil {
				return err
			}
			emails, err := c.List(cfg.ConnectionName, listFilterFlags)
			if err != nil {
				return err
			}
			att, err := connector.GetAttachment(emails, bodyIndexFlag, attachmentIndexFlag)
			if err != nil {
				return err
			}
			if attachmentOutFlag != "" {
				if err := os.WriteFile(attachmentOutFlag, att.Content, 0644); err != nil {
					return fmt.Errorf("writing %s: %w", attachmentOutFlag, err)
				}
				att.Content = nil
			}
			return printJSON(att)
		})
	},
}

var (
	folderFlag  string
	emailIDFlag string
)

func bindStateFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&folderFlag, "folder", config.DefaultFolder, "Mailbox folder holding the message")
	cmd.Flags().StringVar(&emailIDFlag, "email-id", "", "Message-ID of the message (required)")
	cmd.MarkFlagRequired("email-id")
}

func init() {
	bindStateFlags(markReadCmd)
	bindStateFlags(deleteCmd)
	expungeCmd.Flags().StringVar(&folderFlag, "folder", config.DefaultFolder, "Mailbox folder to expunge")
}

var markReadCmd = &cobra.Command{
	Use:   "mark-read",
	Short: "Flag one message as seen",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.CreateConnection(cfg); err != nil {
				return err
			}
			if err := c.MarkAsRead(cfg.ConnectionName, folderFlag, emailIDFlag); err != nil {
				return err
			}
			return printJSON(connector.OKResult())
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Flag one message as deleted and expunge it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.CreateConnection(cfg); err != nil {
				return err
			}
			if err := c.Delete(cfg.ConnectionName, folderFlag, emailIDFlag); err != nil {
				return err
			}
			return printJSON(connector.OKResult())
		})
	},
}

var expungeCmd = &cobra.Command{
	Use:   "expunge",
	Short: "Remove flagged-deleted messages from a folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(c *connector.Connector, cfg *config.ConnectionConfig) error {
			if err := c.CreateConnection(cfg); err != nil {
				return err
			}
			if err := c.ExpungeFolder(cfg.ConnectionName, folderFlag); err != nil {
				return err
			}
			return printJSON(connector.OKResult())
		})
	},
}

// withConnection loads the configuration file, resolves the connection
// named by --connection and runs fn against a connector that is torn
// down before returning.
func withConnection(fn func(*connector.Connector, *config.ConnectionConfig) error) error {
	if connectionFlag == "" {
		return fmt.Errorf("--connection is required")
	}
	file, err := config.Load(configPathFlag)
	if err != nil {
		return err
	}
	var cfg *config.ConnectionConfig
	for i := range file.Connections {
		if file.Connections[i].ConnectionName == connectionFlag {
			cfg = &file.Connections[i]
			break
		}
	}
	if cfg == nil {
		return fmt.Errorf("connection %q is not defined in %s", connectionFlag, configPathFlag)
	}
	c := connector.New(file.Connector)
	defer c.ShutdownAll()
	return fn(c, cfg)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		out, merr := json.MarshalIndent(connector.ErrorResult(err), "", "  ")
		if merr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, string(out))
		}
		os.Exit(1)
	}
}
