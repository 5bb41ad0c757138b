package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				pipeline VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				version BIGINT NOT NULL DEFAULT 0,
				deadline_at TIMESTAMP WITH TIME ZONE,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_awaiting_deadline ON executions(deadline_at)
				WHERE status = 'AWAITING_CALLBACK';
		`,
		2: `
			CREATE TABLE resumption_tokens (
				value VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				stage_id VARCHAR(255) NOT NULL,
				issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				consumed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_resumption_tokens_execution_id ON resumption_tokens(execution_id);
			CREATE INDEX idx_resumption_tokens_expires_at ON resumption_tokens(expires_at);
		`,
	}
}
