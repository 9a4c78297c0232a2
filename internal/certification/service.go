package certification

import (
	"context"
	"time"

	"github.com/ocx/kernel/internal/halt"
)

// Service is the façade spec component K describes: every mutation path
// checks the halt state first and fails "halted" immediately, never
// retrying; read paths bypass the check entirely, because integrity over
// availability binds writes, not historical reads (spec 4.K).
type Service struct {
	certifier *Certifier
	records   *RecordGenerator
	halt      halt.Checker
}

func NewService(certifier *Certifier, records *RecordGenerator, haltChecker halt.Checker) *Service {
	return &Service{certifier: certifier, records: records, halt: haltChecker}
}

// Certify is a write path: gated on halt.
func (s *Service) Certify(ctx context.Context, deliberationID string, content map[string]interface{}, participantCount int, resultType string, now time.Time) (Result, error) {
	if _, err := halt.CheckToken(s.halt); err != nil {
		return Result{}, err
	}
	return s.certifier.Certify(ctx, deliberationID, content, participantCount, resultType, now)
}

// VerifyResult is a read path: no halt check.
func (s *Service) VerifyResult(ctx context.Context, resultID string, signature []byte) (bool, error) {
	return s.certifier.Verify(ctx, resultID, signature)
}

// GetCertification is a read path: no halt check (spec 4.K: "Read paths...
// may proceed during halt").
func (s *Service) GetCertification(ctx context.Context, resultID string) (Result, error) {
	return s.certifier.GetByResultID(ctx, resultID)
}

func (s *Service) GetCertificationsByDeliberation(ctx context.Context, deliberationID string) ([]Result, error) {
	return s.certifier.GetByDeliberation(ctx, deliberationID)
}

// GenerateProceduralRecord is a write path: gated on halt.
func (s *Service) GenerateProceduralRecord(ctx context.Context, deliberationID string, now time.Time) (ProceduralRecord, error) {
	if _, err := halt.CheckToken(s.halt); err != nil {
		return ProceduralRecord{}, err
	}
	return s.records.Generate(ctx, deliberationID, now)
}

// VerifyProceduralRecord is a read path: no halt check.
func (s *Service) VerifyProceduralRecord(ctx context.Context, recordID string) (bool, error) {
	return s.records.Verify(ctx, recordID)
}

// GetProceduralRecord is a read path: no halt check.
func (s *Service) GetProceduralRecord(ctx context.Context, recordID string) (ProceduralRecord, error) {
	return s.records.GetByRecordID(ctx, recordID)
}

func (s *Service) GetProceduralRecordsByDeliberation(ctx context.Context, deliberationID string) ([]ProceduralRecord, error) {
	return s.records.GetByDeliberation(ctx, deliberationID)
}
