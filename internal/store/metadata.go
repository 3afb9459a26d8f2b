package store

import "database/sql"

// SetMetadata upserts a key-value pair in the service_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO service_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM service_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

const importedBankHashKey = "imported_bank_hash"

// GetImportedBankHash returns the content hash of the last imported
// questions file, or empty string if nothing was imported yet.
func (s *Store) GetImportedBankHash() (string, error) {
	return s.GetMetadata(importedBankHashKey)
}

// SetImportedBankHash records the content hash of the imported questions
// file so unchanged files are not re-imported.
func (s *Store) SetImportedBankHash(hash string) error {
	return s.SetMetadata(importedBankHashKey, hash)
}
