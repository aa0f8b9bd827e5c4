package dto_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/handler/dto"
)

func TestNewDomainErrorResponse_ConflictInsideSagaFailure(t *testing.T) {
	err := &domain.ProvisionError{
		Kind:    domain.FailureFinalization,
		SagaID:  "saga-1",
		Details: "persist finalized agent",
		Err:     fmt.Errorf("%w: project proj-1 expected version 3", domain.ErrQuotaConflict),
	}

	status, resp := dto.NewDomainErrorResponse(err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "FINALIZATION_ERROR", resp.Error.Code)
	assert.Equal(t, "persist finalized agent", resp.Error.Details)
	assert.Equal(t, "saga-1", resp.Error.SagaID)
	assert.NotContains(t, resp.Error.Message, "expected version")
}

func TestMapDomainError_BareConflictIsInternal(t *testing.T) {
	status, code, message := dto.MapDomainError(fmt.Errorf("%w: project proj-1", domain.ErrQuotaConflict))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", code)
	assert.Equal(t, "Internal server error", message)
}
