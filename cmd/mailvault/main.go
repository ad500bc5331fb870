package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/auth"
	"github.com/mailvault/mailvault/internal/config"
	"github.com/mailvault/mailvault/internal/crypto"
	"github.com/mailvault/mailvault/internal/imapclient"
	"github.com/mailvault/mailvault/internal/smtpclient"
	"github.com/mailvault/mailvault/internal/store"
	"github.com/mailvault/mailvault/internal/syncer"
	"github.com/mailvault/mailvault/pkg/types"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `mailvault %s - encrypted local email cache

Usage: mailvault [-config path] <command> [options]

Commands:
  account add         Add a password account
  account add-oauth   Add an OAuth account (Gmail)
  account list        List configured accounts
  account set-default Change the default account
  account remove      Remove an account and its cached data
  sync                Sync an account (-watch for periodic sync)
  folders             List cached folders
  messages            List cached messages in a folder
  search              Search cached messages
  read                Show one message, fetching its body if needed
  send                Send a message
  move                Move a message to another folder
  mark-read           Mark a message read or unread
  delete              Delete a message
  folder create       Create a folder
  folder rename       Rename a folder
  folder delete       Delete a folder
`, version)
}

// app bundles the shared wiring every command needs.
type app struct {
	cfg    *config.Config
	store  *store.Store
	logger *logrus.Logger
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailvault version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	cipher, err := crypto.NewCipher(cfg.KeyPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize encryption")
	}
	db, err := store.Open(cfg.CachePath, cipher, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open cache")
	}
	defer db.Close()

	a := &app{cfg: cfg, store: db, logger: logger}
	if err := a.run(flag.Args()); err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

func (a *app) run(args []string) error {
	switch args[0] {
	case "account":
		return a.runAccount(args[1:])
	case "sync":
		return a.runSync(args[1:])
	case "folders":
		return a.runFolders(args[1:])
	case "messages":
		return a.runMessages(args[1:])
	case "search":
		return a.runSearch(args[1:])
	case "read":
		return a.runRead(args[1:])
	case "send":
		return a.runSend(args[1:])
	case "move":
		return a.runMove(args[1:])
	case "mark-read":
		return a.runMarkRead(args[1:])
	case "delete":
		return a.runDelete(args[1:])
	case "folder":
		return a.runFolder(args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *app) runAccount(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("account requires a subcommand: add, add-oauth, list")
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("account add", flag.ExitOnError)
		provider := fs.String("provider", "custom", "Provider: gmail, outlook, yahoo, custom")
		email := fs.String("email", "", "Email address")
		password := fs.String("password", "", "Account or app password")
		name := fs.String("name", "", "Display name")
		imapHost := fs.String("imap-host", "", "IMAP host (custom provider)")
		smtpHost := fs.String("smtp-host", "", "SMTP host (custom provider)")
		fs.Parse(args[1:]) //nolint:errcheck
		if *email == "" || *password == "" {
			return fmt.Errorf("-email and -password are required")
		}

		acct, err := a.store.CreatePasswordAccount(*provider, *email, *password, *name, *imapHost, *smtpHost)
		if err != nil {
			return err
		}
		fmt.Printf("Added account %d (%s)\n", acct.ID, acct.EmailAddress)
		return nil

	case "add-oauth":
		fs := flag.NewFlagSet("account add-oauth", flag.ExitOnError)
		email := fs.String("email", "", "Email address")
		name := fs.String("name", "", "Display name")
		fs.Parse(args[1:]) //nolint:errcheck
		if *email == "" {
			return fmt.Errorf("-email is required")
		}

		provider, err := auth.NewGoogleProvider(a.cfg.OAuthClientID, a.cfg.OAuthClientSecret, a.cfg.OAuthRedirectURL)
		if err != nil {
			return err
		}
		state := uuid.NewString()
		fmt.Printf("Visit this URL to authorize access:\n\n%s\n\nPaste the authorization code: ", provider.AuthorizationURL(state))

		reader := bufio.NewReader(os.Stdin)
		code, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read authorization code: %w", err)
		}

		bundle, err := provider.Exchange(context.Background(), strings.TrimSpace(code))
		if err != nil {
			return err
		}
		acct, err := a.store.CreateOAuthAccount("gmail", *email, *name, bundle)
		if err != nil {
			return err
		}
		fmt.Printf("Added account %d (%s)\n", acct.ID, acct.EmailAddress)
		return nil

	case "list":
		accounts, err := a.store.ListAccounts()
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			marker := " "
			if acct.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %d  %-30s %s (%s)\n", marker, acct.ID, acct.EmailAddress, acct.Provider, acct.AuthType)
		}
		return nil

	case "set-default":
		fs := flag.NewFlagSet("account set-default", flag.ExitOnError)
		id := fs.Int64("id", 0, "Account ID")
		fs.Parse(args[1:]) //nolint:errcheck
		if *id == 0 {
			return fmt.Errorf("-id is required")
		}
		return a.store.SetDefaultAccount(*id)

	case "remove":
		fs := flag.NewFlagSet("account remove", flag.ExitOnError)
		id := fs.Int64("id", 0, "Account ID")
		fs.Parse(args[1:]) //nolint:errcheck
		if *id == 0 {
			return fmt.Errorf("-id is required")
		}
		return a.store.DeleteAccount(*id)

	default:
		return fmt.Errorf("unknown account subcommand %q", args[0])
	}
}

func (a *app) runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	accountID := fs.Int64("account", 0, "Account ID (default account when omitted)")
	watch := fs.Bool("watch", false, "Keep syncing on the configured interval")
	fs.Parse(args) //nolint:errcheck

	engine, _, err := a.buildEngine(*accountID)
	if err != nil {
		return err
	}

	progress := func(p syncer.Progress) {
		if p.Err != nil {
			fmt.Printf("[%d/%d] %-20s FAILED: %v\n", p.Index, p.Total, p.Folder, p.Err)
			return
		}
		fmt.Printf("[%d/%d] %-20s %d messages\n", p.Index, p.Total, p.Folder, p.Synced)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		a.logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	if err := engine.SyncAll(ctx, progress); err != nil {
		return err
	}
	if *watch {
		a.logger.WithField("interval", a.cfg.SyncInterval).Info("Watching for changes")
		engine.RunPeriodic(ctx, a.cfg.SyncInterval, progress)
	}
	return nil
}

func (a *app) runFolders(args []string) error {
	fs := flag.NewFlagSet("folders", flag.ExitOnError)
	accountID := fs.Int64("account", 0, "Account ID (default account when omitted)")
	fs.Parse(args) //nolint:errcheck

	acct, err := a.resolveAccount(*accountID)
	if err != nil {
		return err
	}
	folders, err := a.store.ListFolders(acct.ID)
	if err != nil {
		return err
	}
	for _, f := range folders {
		system := ""
		if f.IsSystemFolder {
			system = " [system]"
		}
		fmt.Printf("%d  %-20s unread=%d%s\n", f.ID, f.Name, f.UnreadCount, system)
	}
	return nil
}

func (a *app) runMessages(args []string) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	folderID := fs.Int64("folder", 0, "Folder ID")
	limit := fs.Int("limit", 25, "Maximum messages to show")
	offset := fs.Int("offset", 0, "Messages to skip")
	fs.Parse(args) //nolint:errcheck
	if *folderID == 0 {
		return fmt.Errorf("-folder is required")
	}

	messages, err := a.store.ListMessages(*folderID, *limit, *offset)
	if err != nil {
		return err
	}
	for _, m := range messages {
		read := " "
		if !m.IsRead {
			read = "N"
		}
		deleted := ""
		if m.HasFlag(types.FlagDeleted) {
			deleted = " [deleted]"
		}
		when := ""
		if m.ReceivedAt != nil {
			when = m.ReceivedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%s %6d  %s  %-28s %s%s\n", read, m.ID, when, truncate(m.Sender, 28), truncate(m.Subject, 50), deleted)
	}
	return nil
}

func (a *app) runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	accountID := fs.Int64("account", 0, "Account ID (default account when omitted, -1 for all)")
	folderID := fs.Int64("folder", 0, "Folder ID (all folders when omitted)")
	unread := fs.Bool("unread", false, "Only unread messages")
	limit := fs.Int("limit", 25, "Maximum messages to show")
	fs.Parse(args) //nolint:errcheck

	opts := store.SearchOptions{
		FolderID: *folderID,
		Query:    strings.Join(fs.Args(), " "),
		Limit:    *limit,
	}
	if *accountID >= 0 {
		acct, err := a.resolveAccount(*accountID)
		if err != nil {
			return err
		}
		opts.AccountID = acct.ID
	}
	if *unread {
		opts.ReadState = store.ReadStateUnread
	}

	messages, err := a.store.SearchMessages(opts)
	if err != nil {
		return err
	}
	for _, m := range messages {
		read := " "
		if !m.IsRead {
			read = "N"
		}
		when := ""
		if m.ReceivedAt != nil {
			when = m.ReceivedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%s %6d  %s  %-28s %s\n", read, m.ID, when, truncate(m.Sender, 28), truncate(m.Subject, 50))
	}
	return nil
}

func (a *app) runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	messageID := fs.Int64("id", 0, "Message ID")
	fs.Parse(args) //nolint:errcheck
	if *messageID == 0 {
		return fmt.Errorf("-id is required")
	}

	msg, err := a.store.GetMessage(*messageID)
	if err != nil {
		return err
	}
	engine, _, err := a.buildEngine(msg.AccountID)
	if err != nil {
		return err
	}
	msg, err = engine.FetchBody(context.Background(), *messageID)
	if err != nil {
		return err
	}

	fmt.Printf("From:    %s\n", msg.Sender)
	fmt.Printf("To:      %s\n", strings.Join(msg.Recipients, ", "))
	fmt.Printf("Subject: %s\n", msg.Subject)
	if msg.SentAt != nil {
		fmt.Printf("Date:    %s\n", msg.SentAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	if msg.BodyPlain != "" {
		fmt.Println(msg.BodyPlain)
	} else {
		fmt.Println(msg.BodyHTML)
	}

	if atts, err := a.store.ListAttachments(*messageID); err == nil && len(atts) > 0 {
		fmt.Println()
		for _, att := range atts {
			fmt.Printf("Attachment: %s (%s, %d bytes) -> %s\n", att.Filename, att.MimeType, att.SizeBytes, att.LocalPath)
		}
	}

	if err := engine.MarkMessageRead(*messageID, true); err != nil {
		a.logger.WithError(err).Warn("Failed to mark message read")
	}
	return nil
}

func (a *app) runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	accountID := fs.Int64("account", 0, "Account ID (default account when omitted)")
	to := fs.String("to", "", "Comma-separated recipients")
	cc := fs.String("cc", "", "Comma-separated CC recipients")
	subject := fs.String("subject", "", "Subject line")
	body := fs.String("body", "", "Plain-text body (read from stdin when omitted)")
	attach := fs.String("attach", "", "Comma-separated file paths to attach")
	fs.Parse(args) //nolint:errcheck
	if *to == "" {
		return fmt.Errorf("-to is required")
	}

	text := *body
	if text == "" {
		raw, err := readAll(os.Stdin)
		if err != nil {
			return err
		}
		text = raw
	}

	acct, err := a.resolveAccount(*accountID)
	if err != nil {
		return err
	}
	sender, err := a.buildSender(acct)
	if err != nil {
		return err
	}

	msg := &smtpclient.OutgoingMessage{
		To:       splitList(*to),
		Cc:       splitList(*cc),
		Subject:  *subject,
		BodyText: text,
	}
	for _, path := range splitList(*attach) {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read attachment %s: %w", path, err)
		}
		msg.Attachments = append(msg.Attachments, smtpclient.Attachment{
			Filename: filepath.Base(path),
			MimeType: "application/octet-stream",
			Content:  content,
		})
	}

	return sender.Send(context.Background(), msg)
}

func (a *app) runMove(args []string) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	messageID := fs.Int64("id", 0, "Message ID")
	folderID := fs.Int64("folder", 0, "Destination folder ID")
	fs.Parse(args) //nolint:errcheck
	if *messageID == 0 || *folderID == 0 {
		return fmt.Errorf("-id and -folder are required")
	}

	msg, err := a.store.GetMessage(*messageID)
	if err != nil {
		return err
	}
	_, rec, err := a.buildEngine(msg.AccountID)
	if err != nil {
		return err
	}
	return rec.MoveMessage(*messageID, *folderID)
}

func (a *app) runMarkRead(args []string) error {
	fs := flag.NewFlagSet("mark-read", flag.ExitOnError)
	messageID := fs.Int64("id", 0, "Message ID")
	unread := fs.Bool("unread", false, "Mark unread instead")
	fs.Parse(args) //nolint:errcheck
	if *messageID == 0 {
		return fmt.Errorf("-id is required")
	}

	msg, err := a.store.GetMessage(*messageID)
	if err != nil {
		return err
	}
	engine, _, err := a.buildEngine(msg.AccountID)
	if err != nil {
		return err
	}
	return engine.MarkMessageRead(*messageID, !*unread)
}

func (a *app) runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	messageID := fs.Int64("id", 0, "Message ID")
	fs.Parse(args) //nolint:errcheck
	if *messageID == 0 {
		return fmt.Errorf("-id is required")
	}

	msg, err := a.store.GetMessage(*messageID)
	if err != nil {
		return err
	}
	engine, _, err := a.buildEngine(msg.AccountID)
	if err != nil {
		return err
	}
	return engine.DeleteMessage(*messageID)
}

func (a *app) runFolder(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("folder requires a subcommand: create, rename, delete")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("folder create", flag.ExitOnError)
		accountID := fs.Int64("account", 0, "Account ID (default account when omitted)")
		path := fs.String("path", "", "Server path for the new folder")
		fs.Parse(args[1:]) //nolint:errcheck
		if *path == "" {
			return fmt.Errorf("-path is required")
		}
		acct, err := a.resolveAccount(*accountID)
		if err != nil {
			return err
		}
		_, rec, err := a.buildEngineFor(acct)
		if err != nil {
			return err
		}
		folder, err := rec.CreateFolder(*path)
		if err != nil {
			return err
		}
		fmt.Printf("Created folder %d (%s)\n", folder.ID, folder.Name)
		return nil

	case "rename":
		fs := flag.NewFlagSet("folder rename", flag.ExitOnError)
		folderID := fs.Int64("id", 0, "Folder ID")
		newPath := fs.String("to", "", "New server path")
		fs.Parse(args[1:]) //nolint:errcheck
		if *folderID == 0 || *newPath == "" {
			return fmt.Errorf("-id and -to are required")
		}
		folder, err := a.store.GetFolder(*folderID)
		if err != nil {
			return err
		}
		_, rec, err := a.buildEngine(folder.AccountID)
		if err != nil {
			return err
		}
		return rec.RenameFolder(*folderID, *newPath)

	case "delete":
		fs := flag.NewFlagSet("folder delete", flag.ExitOnError)
		folderID := fs.Int64("id", 0, "Folder ID")
		fs.Parse(args[1:]) //nolint:errcheck
		if *folderID == 0 {
			return fmt.Errorf("-id is required")
		}
		folder, err := a.store.GetFolder(*folderID)
		if err != nil {
			return err
		}
		_, rec, err := a.buildEngine(folder.AccountID)
		if err != nil {
			return err
		}
		return rec.DeleteFolder(*folderID)

	default:
		return fmt.Errorf("unknown folder subcommand %q", args[0])
	}
}

// resolveAccount loads the requested account, falling back to the default.
func (a *app) resolveAccount(accountID int64) (types.Account, error) {
	if accountID != 0 {
		return a.store.GetAccount(accountID)
	}
	return a.store.GetDefaultAccount()
}

// buildEngine wires a sync engine and reconciler for the account.
func (a *app) buildEngine(accountID int64) (*syncer.Engine, *syncer.Reconciler, error) {
	acct, err := a.resolveAccount(accountID)
	if err != nil {
		return nil, nil, err
	}
	return a.buildEngineFor(acct)
}

func (a *app) buildEngineFor(acct types.Account) (*syncer.Engine, *syncer.Reconciler, error) {
	opts := imapclient.Options{Port: a.cfg.IMAPPort, Timeout: a.cfg.NetTimeout}
	if err := a.credentials(acct, &opts.TokenManager, &opts.Password); err != nil {
		return nil, nil, err
	}

	mailbox := imapclient.New(acct, opts, a.logger)
	engine := syncer.New(acct, mailbox, a.store, syncer.Options{
		InboxLimit:    a.cfg.InboxSyncLimit,
		FolderLimit:   a.cfg.FolderSyncLimit,
		AttachmentDir: a.cfg.AttachmentDir,
	}, a.logger)
	rec := syncer.NewReconciler(acct, mailbox, a.store, a.logger)
	return engine, rec, nil
}

func (a *app) buildSender(acct types.Account) (smtpclient.Sender, error) {
	opts := smtpclient.Options{Port: a.cfg.SMTPPort, Timeout: a.cfg.NetTimeout}
	if err := a.credentials(acct, &opts.TokenManager, &opts.Password); err != nil {
		return nil, err
	}
	return smtpclient.New(acct, opts, a.logger), nil
}

// credentials resolves the account's stored credential into either a token
// manager or a password.
func (a *app) credentials(acct types.Account, tokens **auth.TokenManager, password *string) error {
	if acct.AuthType == types.AuthOAuth {
		bundle, err := a.store.TokenBundle(acct.ID)
		if err != nil {
			return err
		}
		if bundle == nil {
			return fmt.Errorf("account %d has no stored token bundle", acct.ID)
		}
		provider, err := auth.NewGoogleProvider(a.cfg.OAuthClientID, a.cfg.OAuthClientSecret, a.cfg.OAuthRedirectURL)
		if err != nil {
			return err
		}
		*tokens = auth.NewTokenManager(acct, *bundle, provider, a.store, a.logger)
		return nil
	}

	pw, err := a.store.Password(acct.ID)
	if err != nil {
		return err
	}
	*password = pw
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func readAll(f *os.File) (string, error) {
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read message body: %w", err)
	}
	return string(raw), nil
}
