package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iotlab-core/internal/command"
	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/reading"
)

// handleListDevices returns one page of devices.
//
// Query parameters:
//   - page: zero-based page number (default 0)
//   - size: page size (default 20, max 100)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	page, size, ok := pageParams(w, r)
	if !ok {
		return
	}

	result, err := s.devices.List(r.Context(), page, size)
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetDevice returns a single device by internal ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleSaveDevice creates a device, or updates one when the body carries an id.
func (s *Server) handleSaveDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	saved, err := s.devices.Save(r.Context(), &dev)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrInvalidDevice), errors.Is(err, device.ErrExternalIDImmutable):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, device.ErrDeviceExists):
			writeConflict(w, "device_id already registered")
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		default:
			s.logger.Error("failed to save device", "error", err)
			writeInternalError(w, "failed to save device")
		}
		return
	}

	status := http.StatusOK
	if dev.ID == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

// handleLatestReading returns the newest reading of a device.
func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	latest, err := s.readings.Latest(r.Context(), id)
	if err != nil {
		if errors.Is(err, reading.ErrReadingNotFound) {
			writeNotFound(w, "no readings for device")
			return
		}
		writeInternalError(w, "failed to get latest reading")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// handleReadingHistory returns a page of the device's recent readings,
// newest first. Only the most recent 100 readings are reachable.
func (s *Server) handleReadingHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	page, size, ok := pageParams(w, r)
	if !ok {
		return
	}

	result, err := s.readings.History(r.Context(), id, page, size)
	if err != nil {
		s.logger.Error("failed to load reading history", "device", id, "error", err)
		writeInternalError(w, "failed to load reading history")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSendCommand publishes the request body as a command to the device.
//
// Responses: 202 with the ack when published, 404 when the device is
// unknown, 400 for a body that is not a JSON object, 502 when the broker
// refuses the publish.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	ack, err := s.commands.Send(r.Context(), id, body)
	switch {
	case errors.Is(err, command.ErrInvalidCommand):
		writeBadRequest(w, err.Error())
	case errors.Is(err, command.ErrPublishFailed):
		writeBadGateway(w, "command could not be published")
	case err != nil:
		s.logger.Error("failed to send command", "device", id, "error", err)
		writeInternalError(w, "failed to send command")
	case ack.Status == command.AckDropped:
		writeNotFound(w, "device not found")
	default:
		writeJSON(w, http.StatusAccepted, ack)
	}
}

// handleListCommands returns the device's recent commands, newest first.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	cmds, err := s.commands.History(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
}

func deviceIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "device id must be a positive integer")
		return 0, false
	}
	return id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (page, size int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &page}, {"size", &size}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, p.name+" must be a non-negative integer")
			return 0, 0, false
		}
		*p.dst = n
	}
	return page, size, true
}
