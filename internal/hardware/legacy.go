package hardware

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/flow"
	"github.com/dsyorkd/hydro-controller/internal/protocol"
	"github.com/dsyorkd/hydro-controller/internal/pump"
)

// Execute runs one command of the serial grammar Start;<Type>;<id>;<param>;end
// and returns the affected job or relay state as JSON.
func (s *System) Execute(ctx context.Context, text string) (string, error) {
	cmd, err := protocol.ParseLegacy(text)
	if err != nil {
		return "", apperrors.NewValidationError("command", text, err.Error())
	}
	s.logger.Debug("Executing legacy command", "type", cmd.Type, "id", cmd.ID, "param", cmd.Param)

	var result interface{}
	switch cmd.Type {
	case protocol.LegacyDispense:
		ml, err := cmd.Float()
		if err != nil {
			return "", apperrors.NewValidationError("param", cmd.Param, err.Error())
		}
		result, err = s.Pumps.StartDispense(ctx, cmd.ID, ml)
		if err != nil {
			return "", err
		}
	case protocol.LegacyStop:
		result, err = s.Pumps.Stop(ctx, cmd.ID)
		if err != nil {
			return "", err
		}
	case protocol.LegacyPause:
		result, err = s.togglePause(ctx, cmd.ID)
		if err != nil {
			return "", err
		}
	case protocol.LegacyCalibrate:
		ml, err := cmd.Float()
		if err != nil {
			return "", apperrors.NewValidationError("param", cmd.Param, err.Error())
		}
		if err := s.Pumps.Calibrate(ctx, cmd.ID, ml); err != nil {
			return "", err
		}
		result = map[string]interface{}{"pump": cmd.ID, "calibrated_ml": ml}
	case protocol.LegacyRelay:
		on, err := cmd.Bool()
		if err != nil {
			return "", apperrors.NewValidationError("param", cmd.Param, err.Error())
		}
		if err := s.Relays.Set(ctx, cmd.ID, on); err != nil {
			return "", err
		}
		result = map[string]interface{}{"relay": cmd.ID, "on": on}
	case protocol.LegacyFill, protocol.LegacySend:
		gallons, err := cmd.Float()
		if err != nil {
			return "", apperrors.NewValidationError("param", cmd.Param, err.Error())
		}
		op := flow.OperationFill
		if cmd.Type == protocol.LegacySend {
			op = flow.OperationSend
		}
		result, err = s.Flow.Start(ctx, cmd.ID, gallons, 0, op, 0)
		if err != nil {
			return "", err
		}
	default:
		return "", apperrors.NewValidationError("type", cmd.Type, "unsupported command")
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}

// togglePause pauses a dispensing pump and resumes a paused one
func (s *System) togglePause(ctx context.Context, id int) (pump.Job, error) {
	if job, ok := s.Pumps.Job(id); ok && job.State == pump.StatePaused {
		return s.Pumps.Resume(ctx, id)
	}
	return s.Pumps.Pause(ctx, id)
}
