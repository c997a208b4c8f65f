package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_collection (
				id VARCHAR(255) PRIMARY KEY,
				title TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE workflow (
				id VARCHAR(255) PRIMARY KEY,
				title TEXT NOT NULL,
				collection_id VARCHAR(255) REFERENCES workflow_collection(id),
				phases JSONB NOT NULL,
				timeout_ms BIGINT,
				max_retries INT NOT NULL DEFAULT 0,
				schedules JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_collection_id ON workflow(collection_id);
		`,
		2: `
			CREATE TABLE workflow_execution (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflow(id),
				status VARCHAR(20) NOT NULL
					CHECK (status IN ('enqueued', 'running', 'success', 'error', 'cancelled')),
				input JSONB,
				output JSONB,
				parent_execution_id VARCHAR(255) REFERENCES workflow_execution(id),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				start_at_epoch_ms BIGINT,
				started_at_epoch_ms BIGINT,
				completed_at_epoch_ms BIGINT,
				timeout_ms BIGINT,
				deadline_at_epoch_ms BIGINT,
				lock_id VARCHAR(255),
				locked_until_epoch_ms BIGINT,
				claimed_at_epoch_ms BIGINT,
				retry_count INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 0,
				error JSONB,
				CHECK ((lock_id IS NULL) = (locked_until_epoch_ms IS NULL))
			);

			CREATE INDEX idx_workflow_execution_workflow_id ON workflow_execution(workflow_id, created_at);
			CREATE INDEX idx_workflow_execution_parent ON workflow_execution(parent_execution_id);
			CREATE INDEX idx_workflow_execution_active ON workflow_execution(status, locked_until_epoch_ms)
				WHERE status IN ('enqueued', 'running');

			CREATE TABLE workflow_execution_step_result (
				execution_id VARCHAR(255) NOT NULL REFERENCES workflow_execution(id) ON DELETE CASCADE,
				step_id VARCHAR(255) NOT NULL,
				input JSONB,
				output JSONB,
				error JSONB,
				attempt INT NOT NULL DEFAULT 1,
				started_at_epoch_ms BIGINT,
				completed_at_epoch_ms BIGINT,
				PRIMARY KEY (execution_id, step_id)
			);
		`,
		3: `
			CREATE TABLE workflow_event (
				seq BIGSERIAL UNIQUE,
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES workflow_execution(id) ON DELETE CASCADE,
				type VARCHAR(32) NOT NULL
					CHECK (type IN ('signal', 'timer', 'message', 'output', 'step_started',
						'step_completed', 'workflow_started', 'workflow_completed')),
				name VARCHAR(255),
				payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				visible_at BIGINT,
				consumed_at BIGINT,
				source_execution_id VARCHAR(255)
			);

			CREATE INDEX idx_workflow_event_pending ON workflow_event(execution_id, visible_at)
				WHERE consumed_at IS NULL;
			CREATE INDEX idx_workflow_event_lookup ON workflow_event(execution_id, type, name);
			CREATE UNIQUE INDEX idx_workflow_event_output ON workflow_event(execution_id, name)
				WHERE type = 'output';
		`,
	}
}
