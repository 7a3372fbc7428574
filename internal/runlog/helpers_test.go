package runlog

import (
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/repo"
)

func transition(from, to domain.RunStatus, at time.Time) repo.TransitionRequest {
	return repo.TransitionRequest{From: from, To: to, At: at}
}
