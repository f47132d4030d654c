package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/carclicker/quizd/pkg/session"
	"github.com/carclicker/quizd/pkg/storage"
)

// wsHandler handles GET /ws/:interactive_id. Access checks run before the
// upgrade so rejected clients get plain HTTP errors instead of a close
// frame. After the upgrade the handler blocks, pumping inbound messages
// into the session until the connection drops.
func (s *Server) wsHandler(c *echo.Context) error {
	interactiveID, err := strconv.Atoi(c.Param("interactive_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "interactive id must be an integer")
	}
	telegramID, err := strconv.ParseInt(c.QueryParam("telegram_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "telegram_id is required")
	}
	role := session.Role(c.QueryParam("role"))
	if role == "" {
		role = session.RoleParticipant
	}
	if !role.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown role")
	}

	reqCtx := c.Request().Context()

	exists, err := s.repo.InteractiveExists(reqCtx, interactiveID)
	if err != nil {
		return mapError(err)
	}
	if !exists {
		return echo.NewHTTPError(http.StatusNotFound, "interactive not found")
	}
	conducted, err := s.repo.InteractiveConducted(reqCtx, interactiveID)
	if err != nil {
		return mapError(err)
	}
	if conducted {
		return echo.NewHTTPError(http.StatusForbidden, "interactive already conducted")
	}

	userID, err := s.repo.UserIDByTelegram(reqCtx, telegramID)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusForbidden, "user not found")
	}
	if err != nil {
		return mapError(err)
	}

	if role == session.RoleLeader {
		isCreator, err := s.repo.IsCreator(reqCtx, interactiveID, userID)
		if err != nil {
			return mapError(err)
		}
		if !isCreator {
			return echo.NewHTTPError(http.StatusForbidden, "only the creator may lead the interactive")
		}
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	t := &wsTransport{conn: conn}
	connID := uuid.NewString()

	sess, participantID, err := s.manager.Connect(reqCtx, t, interactiveID, userID, role)
	if err != nil {
		slog.Info("websocket rejected after upgrade",
			"conn_id", connID, "interactive_id", interactiveID, "user_id", userID, "role", role, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return nil
	}

	slog.Info("websocket connected",
		"conn_id", connID, "interactive_id", interactiveID, "user_id", userID, "role", role)

	s.readLoop(reqCtx, conn, sess, participantID, userID, role)

	s.manager.Disconnect(context.Background(), interactiveID, userID, role)
	slog.Info("websocket disconnected",
		"conn_id", connID, "interactive_id", interactiveID, "user_id", userID, "role", role)
	return nil
}

// readLoop pumps inbound frames until the connection closes. Leaders send
// control commands, participants send answers; anything else is ignored.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, participantID, userID int, role session.Role) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch role {
		case session.RoleLeader:
			var cmd session.InboundCommand
			if err := json.Unmarshal(data, &cmd); err != nil || !cmd.InteractiveStatus.Valid() {
				slog.Debug("ignoring unknown leader frame", "user_id", userID)
				continue
			}
			sess.ApplyCommand(cmd.InteractiveStatus)
		case session.RoleParticipant:
			sess.SubmitAnswer(ctx, participantID, userID, data)
		}
	}
}

// wsTransport adapts a WebSocket connection to the session transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
