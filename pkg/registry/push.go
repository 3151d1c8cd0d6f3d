// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

var (
	// ErrProjectNotFound is returned when pushing to a project that does
	// not exist in the registry.
	ErrProjectNotFound = errors.New("project not found, create it in the registry first")

	// ErrVersionExists is returned when the pushed version was already
	// published.
	ErrVersionExists = errors.New("this version is already published")

	// ErrPayloadTooLarge is returned when the archive exceeds the registry
	// size limit.
	ErrPayloadTooLarge = errors.New("archive exceeds the registry size limit")
)

// Push uploads a zip archive as a new revision of a project. The caller must
// be logged in (or provide SOLDEER_API_TOKEN).
func (c *Client) Push(ctx context.Context, projectName, version, zipPath string) error {
	token, err := c.Token()
	if err != nil {
		return err
	}
	projectID, err := c.ProjectID(ctx, projectName)
	if err != nil {
		return err
	}

	zipFile, err := os.Open(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zipFile.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := writeForm(form, projectID, version, filepath.Base(zipPath), zipFile)
		if closeErr := form.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("revision/upload", url.Values{}), pr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read registry response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusNoContent:
		return ErrProjectNotFound
	case http.StatusAlreadyReported:
		return ErrVersionExists
	case http.StatusUnauthorized:
		return ErrAuthInvalid
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	default:
		return &Error{Status: resp.StatusCode, Body: string(body)}
	}
}

func writeForm(form *multipart.Writer, projectID, version, zipName string, zipFile io.Reader) error {
	if err := form.WriteField("project_id", projectID); err != nil {
		return err
	}
	if err := form.WriteField("revision", version); err != nil {
		return err
	}
	part, err := form.CreateFormFile("zip_name", zipName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, zipFile)
	return err
}
