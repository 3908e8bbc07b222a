// Package whatsapp connects sessions to WhatsApp through whatsmeow and implements the bot
// features that run on incoming messages and calls.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/wafleet/pkg/lifecycle"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const credentialsFile = "store.db"

// Transport opens one whatsmeow client per session, each with its own sqlite device store
// inside the session's credentials directory.
type Transport struct {
	logger zerolog.Logger
}

// NewTransport creates a Transport that bridges whatsmeow logs into logger.
func NewTransport(logger zerolog.Logger) *Transport {
	return &Transport{logger: logger.With().Str("component", "whatsapp").Logger()}
}

// Connect opens the device store and starts connecting. A device without an account
// produces pairing events; automatic reconnect stays off because the lifecycle manager
// owns reconnects.
func (t *Transport) Connect(ctx context.Context, req lifecycle.ConnectRequest, sink lifecycle.Sink) (lifecycle.Handle, error) {
	logger := t.logger.With().Str("session_key", req.Key).Logger()

	if err := os.MkdirAll(req.CredentialsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(req.CredentialsDir, credentialsFile))

	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Zerolog(logger.With().Str("sub", "db").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(logger.With().Str("sub", "client").Logger()))
	client.EnableAutoReconnect = false

	conn := newConn(req.Key, client, container, sink, logger)
	client.AddEventHandler(conn.handleEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(conn.ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open pairing channel: %w", err)
		}
		go conn.forwardQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	logger.Debug().Bool("paired", client.Store.ID != nil).Msg("Client connecting")
	return conn, nil
}
