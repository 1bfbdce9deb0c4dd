package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema lists the tables owned by the dispatch engine in creation order.
// Every statement is idempotent so Migrate can run on each start.
//
// booking_bids carries two generated columns: active_key is 1 for pending
// and accepted bids, accepted_key is 1 only for the accepted one.  NULLs
// never collide in a unique index, so the keys allow one active bid per
// contractor and one accepted bid per booking while leaving any number of
// rejected and expired rows.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS contractor_profiles (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		user_id BIGINT UNSIGNED NOT NULL,
		business_name VARCHAR(255) NULL,
		verification_status ENUM('pending','verified','rejected') NOT NULL DEFAULT 'pending',
		is_online TINYINT(1) NOT NULL DEFAULT 0,
		latitude DOUBLE NULL,
		longitude DOUBLE NULL,
		avg_rating DOUBLE NOT NULL DEFAULT 0,
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_contractor_user (user_id),
		KEY idx_contractor_online (is_online, verification_status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS contractor_services (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		contractor_id BIGINT UNSIGNED NOT NULL,
		subcategory_id BIGINT UNSIGNED NULL,
		base_price_cents BIGINT NULL,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		PRIMARY KEY (id),
		KEY idx_service_contractor (contractor_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS bookings (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		booking_number VARCHAR(20) NOT NULL,
		user_id BIGINT UNSIGNED NOT NULL,
		contractor_id BIGINT UNSIGNED NULL,
		service_id BIGINT UNSIGNED NULL,
		subcategory_id BIGINT UNSIGNED NULL,
		description TEXT NULL,
		latitude DOUBLE NULL,
		longitude DOUBLE NULL,
		scheduled_at DATETIME(3) NULL,
		is_help_request TINYINT(1) NOT NULL DEFAULT 0,
		status ENUM('pending','accepted','in_progress','completed','reviewed','rejected','cancelled') NOT NULL DEFAULT 'pending',
		quoted_price_cents BIGINT NULL,
		final_price_cents BIGINT NULL,
		user_notes TEXT NULL,
		contractor_notes TEXT NULL,
		started_at DATETIME(3) NULL,
		completed_at DATETIME(3) NULL,
		cancelled_at DATETIME(3) NULL,
		cancelled_by BIGINT UNSIGNED NULL,
		cancellation_reason TEXT NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_booking_number (booking_number),
		KEY idx_booking_open_help (is_help_request, status, created_at),
		KEY idx_booking_user (user_id, created_at),
		KEY idx_booking_contractor (contractor_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS booking_bids (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		booking_id BIGINT UNSIGNED NOT NULL,
		contractor_id BIGINT UNSIGNED NOT NULL,
		price_cents BIGINT NOT NULL,
		message TEXT NULL,
		eta_minutes INT NULL,
		status ENUM('pending','accepted','rejected','expired') NOT NULL DEFAULT 'pending',
		active_key TINYINT GENERATED ALWAYS AS (IF(status IN ('pending','accepted'), 1, NULL)) STORED,
		accepted_key TINYINT GENERATED ALWAYS AS (IF(status = 'accepted', 1, NULL)) STORED,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_bid_active (booking_id, contractor_id, active_key),
		UNIQUE KEY uq_bid_accepted (booking_id, accepted_key),
		KEY idx_bid_booking_status (booking_id, status),
		CONSTRAINT fk_bid_booking FOREIGN KEY (booking_id) REFERENCES bookings (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS chat_rooms (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		booking_id BIGINT UNSIGNED NOT NULL,
		user_id BIGINT UNSIGNED NOT NULL,
		contractor_id BIGINT UNSIGNED NOT NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_chat_booking (booking_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS reviews (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		booking_id BIGINT UNSIGNED NOT NULL,
		user_id BIGINT UNSIGNED NOT NULL,
		contractor_id BIGINT UNSIGNED NOT NULL,
		rating TINYINT UNSIGNED NOT NULL,
		comment TEXT NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_review_booking (booking_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS payments (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		booking_id BIGINT UNSIGNED NOT NULL,
		user_id BIGINT UNSIGNED NOT NULL,
		contractor_id BIGINT UNSIGNED NULL,
		amount_cents BIGINT NOT NULL,
		contractor_payout_cents BIGINT NOT NULL DEFAULT 0,
		status ENUM('pending','captured','released','failed') NOT NULL DEFAULT 'pending',
		paid_at DATETIME(3) NULL,
		released_at DATETIME(3) NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		KEY idx_payment_booking (booking_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		user_id BIGINT UNSIGNED NOT NULL,
		title VARCHAR(255) NOT NULL,
		body TEXT NOT NULL,
		type VARCHAR(32) NOT NULL,
		data JSON NULL,
		is_read TINYINT(1) NOT NULL DEFAULT 0,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		KEY idx_notification_user (user_id, is_read)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS deferred_jobs (
		id CHAR(36) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		payload JSON NOT NULL,
		run_at DATETIME(3) NOT NULL,
		status ENUM('queued','dispatched','done','abandoned') NOT NULL DEFAULT 'queued',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 5,
		lease_until DATETIME(3) NULL,
		last_error TEXT NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		KEY idx_job_due (status, run_at),
		KEY idx_job_lease (status, lease_until)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables the engine needs if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}
