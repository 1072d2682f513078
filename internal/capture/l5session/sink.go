package l5session

import "context"

// Sink is where captured frames and the finished job go. PersistFrame
// writes to pending storage; PromoteSessionToComplete moves a submitted
// session's frames to complete storage; DiscardSession deletes whatever
// is still pending for the session.
//
// SubmitJob is called from its own goroutine and must honour ctx.
type Sink interface {
	PersistFrame(ctx context.Context, sessionID string, data []byte, role Role) (FileHandle, error)
	SubmitJob(ctx context.Context, session SessionSnapshot) (JobResponse, error)
	DiscardSession(ctx context.Context, session SessionSnapshot) error
	PromoteSessionToComplete(ctx context.Context, session SessionSnapshot) error
}
