/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains the HandleWebSocket function, which checks an optional role tag, upgrades the
HTTP connection to WebSocket and hands the connection to the broker as a new session.
*/
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/app/chat"
	"relaychat/internal/pkg/auth/jwt"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
//
// A request carrying a valid role tag (Authorization header or ?token=) is joined on the
// client's behalf right after the upgrade. A tag that fails verification is refused with 401
// wherever it was presented. Without a token the session starts in Connecting and waits for a
// join frame.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var autoJoin *chat.JoinPayload

		if payload := jwt.GetPayloadFromContext(r); payload != nil {
			u, err := deps.Store.GetUser(r.Context(), payload.ID)
			if err != nil {
				respondStoreError(w, r, err, "Failed to resolve role tag")
				return
			}
			if string(u.Role) != payload.Role {
				logx.Warn("WebSocket request rejected: role tag does not match record", "user_id", u.ID)
				resp.RespondError(w, r, errs.NewError(errs.ErrRoleMismatch))
				return
			}
			autoJoin = &chat.JoinPayload{Identity: u.ID, Role: u.Role}
		} else if jwt.TokenFromRequest(r) != "" {
			// a token was presented, in the header or the query, and did not verify
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		session, err := deps.Broker.NewSession(conn)
		if err != nil {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}

		// the request context ends with this handler; store calls should only stop with the session
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()

		go session.WritePump()

		logx.Info("WebSocket connection established", "session_id", session.ID)

		if autoJoin != nil {
			if err := deps.Broker.Join(ctx, session, *autoJoin); err != nil {
				logx.Warn("Automatic join failed, waiting for join frame", "session_id", session.ID, "error", err.Error())
			}
		}

		session.ReadPump(ctx)
	}
}
