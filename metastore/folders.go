package metastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Folder is one node of a collection's folder tree. ParentID is empty
// for folders at the collection root.
type Folder struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Name       string `json:"name"`
	ParentID   string `json:"parent_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// CreateFolder adds a folder under parentID (empty = collection root).
// The parent must exist and belong to the same collection.
func (s *Store) CreateFolder(ctx context.Context, collection, name, parentID string) (*Folder, error) {
	if parentID != "" {
		parent, err := s.GetFolder(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.Collection != collection {
			return nil, fmt.Errorf("%w: parent belongs to collection %q", ErrFolderNotFound, parent.Collection)
		}
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, collection, name, parent_id) VALUES (?, ?, ?, ?)
	`, id, collection, name, nullable(parentID)); err != nil {
		return nil, fmt.Errorf("creating folder: %w", err)
	}
	return s.GetFolder(ctx, id)
}

// GetFolder retrieves one folder by ID.
func (s *Store) GetFolder(ctx context.Context, id string) (*Folder, error) {
	f := &Folder{}
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, collection, name, parent_id, created_at FROM folders WHERE id = ?
	`, id).Scan(&f.ID, &f.Collection, &f.Name, &parent, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder: %w", err)
	}
	f.ParentID = parent.String
	return f, nil
}

// ListFolders returns a collection's folders in creation order. Callers
// reassemble the tree from ParentID.
func (s *Store) ListFolders(ctx context.Context, collection string) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, name, parent_id, created_at
		FROM folders WHERE collection = ? ORDER BY created_at, rowid
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	defer rows.Close()

	var out []Folder
	for rows.Next() {
		var f Folder
		var parent sql.NullString
		if err := rows.Scan(&f.ID, &f.Collection, &f.Name, &parent, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning folder: %w", err)
		}
		f.ParentID = parent.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// RenameFolder sets a folder's name.
func (s *Store) RenameFolder(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE folders SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("renaming folder: %w", err)
	}
	return requireRow(res, ErrFolderNotFound)
}

// MoveFolder reparents a folder. The new parent must belong to the same
// collection and must not be the folder itself or any of its
// descendants; a violating move fails and leaves the tree unchanged.
func (s *Store) MoveFolder(ctx context.Context, id, newParentID string) error {
	f, err := s.GetFolder(ctx, id)
	if err != nil {
		return err
	}

	if newParentID != "" {
		if newParentID == id {
			return ErrFolderCycle
		}
		parent, err := s.GetFolder(ctx, newParentID)
		if err != nil {
			return err
		}
		if parent.Collection != f.Collection {
			return fmt.Errorf("%w: parent belongs to collection %q", ErrFolderNotFound, parent.Collection)
		}

		// Walk up from the new parent; hitting id means id is an
		// ancestor of the new parent, so the move would close a loop.
		for cur := parent; cur.ParentID != ""; {
			if cur.ParentID == id {
				return ErrFolderCycle
			}
			cur, err = s.GetFolder(ctx, cur.ParentID)
			if err != nil {
				return err
			}
		}
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE folders SET parent_id = ? WHERE id = ?", nullable(newParentID), id)
	if err != nil {
		return fmt.Errorf("moving folder: %w", err)
	}
	return requireRow(res, ErrFolderNotFound)
}

// DeleteFolder removes a folder and, via cascade, its descendants. The
// cascade also drops document_folders rows, so documents in deleted
// folders revert to the collection root.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting folder: %w", err)
	}
	return requireRow(res, ErrFolderNotFound)
}

// AssignDocument maps a document to a folder, replacing any earlier
// mapping. An empty folderID moves the document back to the root.
func (s *Store) AssignDocument(ctx context.Context, collection, documentID, folderID string) error {
	if folderID == "" {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM document_folders WHERE collection = ? AND document_id = ?",
			collection, documentID)
		if err != nil {
			return fmt.Errorf("unassigning document: %w", err)
		}
		return nil
	}

	folder, err := s.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if folder.Collection != collection {
		return fmt.Errorf("%w: folder belongs to collection %q", ErrFolderNotFound, folder.Collection)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO document_folders (collection, document_id, folder_id) VALUES (?, ?, ?)
		ON CONFLICT(collection, document_id) DO UPDATE SET folder_id = excluded.folder_id
	`, collection, documentID, folderID); err != nil {
		return fmt.Errorf("assigning document: %w", err)
	}
	return nil
}

// FolderDocuments returns the document IDs mapped to a folder.
func (s *Store) FolderDocuments(ctx context.Context, folderID string) ([]string, error) {
	if _, err := s.GetFolder(ctx, folderID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT document_id FROM document_folders WHERE folder_id = ? ORDER BY document_id", folderID)
	if err != nil {
		return nil, fmt.Errorf("listing folder documents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DocumentFolder returns the folder ID a document is mapped to, or
// empty when the document sits at the collection root.
func (s *Store) DocumentFolder(ctx context.Context, collection, documentID string) (string, error) {
	var folderID string
	err := s.db.QueryRowContext(ctx,
		"SELECT folder_id FROM document_folders WHERE collection = ? AND document_id = ?",
		collection, documentID).Scan(&folderID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting document folder: %w", err)
	}
	return folderID, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
