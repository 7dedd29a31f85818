// Package postgres implements the store interfaces against PostgreSQL
// through database/sql and the pgx stdlib driver.
//
// The stores consume an existing schema:
//
//	tasks(id uuid pk, name text, submitter text, status text,
//	      priority int, settings jsonb, progress int, total int,
//	      created_at timestamptz, completed_at timestamptz,
//	      updated_at timestamptz)
//	subtasks(id uuid pk, task_id uuid references tasks, params jsonb,
//	         status text, error text, result_url text, retry_count int,
//	         started_at timestamptz, completed_at timestamptz,
//	         updated_at timestamptz)
//
// Schema management lives with the submission service that creates
// tasks and subtasks; this engine only transitions their states.
package postgres
