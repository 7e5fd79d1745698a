// Package server exposes HTTP handlers, including WebSocket upgrades, the
// identity pre-flight check, presence and transcript queries, health checks,
// and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/whisperlink/internal/protocol"
)

const invalidIdentityText = "Invalid username. Use 3-20 letters, numbers, or underscores."

// handleWebSocket upgrades GET /ws/{identity} and runs the relay protocol for
// the connection until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity := r.PathValue("identity")
	if err := validateIdentity(identity); err != nil {
		http.Error(w, invalidIdentityText, http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.cfg, s.log)
	if !s.hub.register(client) {
		_ = conn.Close()
		return
	}
	defer s.hub.unregister(client)

	client.Start(s.hub.Context())
	err = s.protocol.Serve(s.hub.Context(), identity, client)
	switch {
	case errors.Is(err, protocol.ErrIdentityTaken):
		// Refuse already queued the close frame.
	case err != nil && !errors.Is(err, context.Canceled):
		s.log.Warn("session ended with error", zap.String("identity", identity), zap.Error(err))
	}
	client.Close()
}

// handleCheckUsername answers whether an identity is currently connected.
func (s *Server) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	var req CheckUsernameRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON body"})
		return
	}
	if err := validateIdentity(req.Username); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: invalidIdentityText})
		return
	}

	writeJSON(w, http.StatusOK, CheckUsernameResponse{IsTaken: s.registry.IsTaken(req.Username)})
}

// handleUsers lists the online identities.
func (s *Server) handleUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, UsersResponse{Users: s.registry.Online()})
}

// handleMessages returns the transcript entries an identity took part in.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := validateIdentity(identity); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: invalidIdentityText})
		return
	}

	messages := s.registry.MessagesFor(identity)
	records := make([]protocol.Record, 0, len(messages))
	for _, m := range messages {
		records = append(records, protocol.RecordOf(m))
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: records})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "WhisperLink server is running!")
}

// TestPageHandler serves an HTML page for exercising the relay by hand: pick
// a username, see who is online, and send direct messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>WhisperLink Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>WhisperLink Relay Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="username" placeholder="Your username">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>Online: <span id="online"></span></div>
    <div>
        <input type="text" id="receiver" placeholder="Receiver">
        <input type="text" id="content" placeholder="Message">
        <button onclick="sendMessage()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null;
        let online = [];
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');

        function log(text) {
            const el = document.createElement('div');
            el.textContent = text;
            logDiv.appendChild(el);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function render() {
            document.getElementById('online').textContent = online.join(', ');
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close(1000, 'User disconnected');
                return;
            }
            const name = document.getElementById('username').value.trim();
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws/' + encodeURIComponent(name));
            ws.onopen = () => {
                statusDiv.textContent = 'Connected as ' + name;
                statusDiv.className = 'status connected';
                document.getElementById('connectButton').textContent = 'Disconnect';
            };
            ws.onmessage = (event) => {
                const data = JSON.parse(event.data);
                switch (data.type) {
                    case 'users': online = data.users; render(); break;
                    case 'user_joined': if (!online.includes(data.username)) online.push(data.username); render(); break;
                    case 'user_left': online = online.filter(u => u !== data.username); render(); break;
                    case 'message': log(data.message.sender + ': ' + data.message.content); break;
                    case 'message_sent': log('sent ' + data.message_id); break;
                    case 'system': log(data.content); break;
                }
            };
            ws.onclose = (event) => {
                statusDiv.textContent = event.code === 4000 ? 'Username already taken' : 'Disconnected';
                statusDiv.className = 'status disconnected';
                document.getElementById('connectButton').textContent = 'Connect';
                online = [];
                render();
            };
        }

        function sendMessage() {
            if (!ws || ws.readyState !== WebSocket.OPEN) return;
            const receiver = document.getElementById('receiver').value.trim();
            const content = document.getElementById('content').value;
            ws.send(JSON.stringify({ type: 'message', content: content, receiver: receiver, isEncrypted: false }));
            document.getElementById('content').value = '';
        }
    </script>
</body>
</html>`
