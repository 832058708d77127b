package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMimeType  = "application/vnd.google-apps.folder"
	recordsFolder   = "job_state"
	GDriveRefPrefix = "gdrive:"
)

// ErrNoToken is returned when no cached OAuth token exists yet.
var ErrNoToken = errors.New("no cached Google Drive token; run `process -gdrive-auth` first")

// DriveClient mirrors terminal job records into a Google Drive folder and
// downloads payloads referenced as gdrive:<fileId>.
type DriveClient struct {
	service    *drive.Service
	folderName string
	folderID   string
	recordsID  string
}

// LoadOAuthConfig reads an installed-app OAuth client from credentialsFile.
func LoadOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

// NewDriveClient creates a client from a cached token and makes sure the
// root and record folders exist.
func NewDriveClient(ctx context.Context, credentialsFile, tokenFile, folderName string) (*DriveClient, error) {
	config, err := LoadOAuthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("unable to read token file: %w", err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}

	dc := &DriveClient{service: srv, folderName: folderName}
	if dc.folderID, err = dc.findOrCreateFolder(ctx, folderName, ""); err != nil {
		return nil, fmt.Errorf("unable to prepare folder %s: %w", folderName, err)
	}
	if dc.recordsID, err = dc.findOrCreateFolder(ctx, recordsFolder, dc.folderID); err != nil {
		return nil, fmt.Errorf("unable to prepare record folder: %w", err)
	}
	return dc, nil
}

// Authorize runs the interactive OAuth flow and caches the token.
func Authorize(ctx context.Context, config *oauth2.Config, tokenFile string, in io.Reader, out io.Writer) error {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser:\n%v\n", authURL)
	fmt.Fprint(out, "Enter authorization code: ")

	var authCode string
	if _, err := fmt.Fscan(in, &authCode); err != nil {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return saveToken(tokenFile, tok)
}

// tokenFromFile retrieves a token from a local file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// escapeQuery quotes a value for a Drive search expression.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// findOrCreateFolder finds or creates a folder with the given parent. An
// empty parent searches the whole drive.
func (dc *DriveClient) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), folderMimeType)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}

	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}
	file, err := dc.service.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return file.Id, nil
}

func recordName(jobID string) string {
	return sanitizeFilename(jobID) + recordExt
}

// findRecord returns the Drive file id of a job record, or "" if absent.
func (dc *DriveClient) findRecord(ctx context.Context, jobID string) (string, error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false",
		escapeQuery(recordName(jobID)), dc.recordsID)
	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to search for record %s: %w", jobID, err)
	}
	if len(r.Files) == 0 {
		return "", nil
	}
	return r.Files[0].Id, nil
}

// Write creates or replaces the mirrored record of jobID.
func (dc *DriveClient) Write(ctx context.Context, jobID string, data []byte) error {
	existing, err := dc.findRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if existing != "" {
		_, err = dc.service.Files.Update(existing, &drive.File{}).
			Media(bytes.NewReader(data)).Context(ctx).Do()
	} else {
		file := &drive.File{
			Name:     recordName(jobID),
			MimeType: "application/json",
			Parents:  []string{dc.recordsID},
		}
		_, err = dc.service.Files.Create(file).Media(bytes.NewReader(data)).Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("failed to upload record %s: %w", jobID, err)
	}
	return nil
}

// ReadAll downloads every mirrored record. Records that fail to download are skipped.
func (dc *DriveClient) ReadAll(ctx context.Context) ([][]byte, error) {
	query := fmt.Sprintf("'%s' in parents and trashed=false", dc.recordsID)
	var out [][]byte
	err := dc.service.Files.List().Q(query).Spaces("drive").Fields("nextPageToken, files(id, name)").
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				if !strings.HasSuffix(f.Name, recordExt) {
					continue
				}
				data, err := dc.download(ctx, f.Id)
				if err != nil {
					continue
				}
				out = append(out, data)
			}
			return nil
		})
	if err != nil {
		return out, fmt.Errorf("unable to list records: %w", err)
	}
	return out, nil
}

// Delete removes the mirrored record of jobID if present.
func (dc *DriveClient) Delete(ctx context.Context, jobID string) error {
	id, err := dc.findRecord(ctx, jobID)
	if err != nil || id == "" {
		return err
	}
	if err := dc.service.Files.Delete(id).Context(ctx).Do(); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete record %s: %w", jobID, err)
	}
	return nil
}

func (dc *DriveClient) download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := dc.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// DriveFile is the metadata of a Drive file needed to queue it. SHA256 is the
// lowercase hex content checksum, empty when Drive has none.
type DriveFile struct {
	Name   string
	SHA256 string
}

// Lookup returns the name and content checksum of a Drive file.
func (dc *DriveClient) Lookup(ctx context.Context, fileID string) (DriveFile, error) {
	f, err := dc.service.Files.Get(fileID).Fields("name, sha256Checksum").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return DriveFile{}, ErrNotFound
		}
		return DriveFile{}, fmt.Errorf("unable to look up file %s: %w", fileID, err)
	}
	return DriveFile{Name: f.Name, SHA256: strings.ToLower(f.Sha256Checksum)}, nil
}

// Fetch downloads a Drive file to dst.
func (dc *DriveClient) Fetch(ctx context.Context, fileID, dst string) error {
	resp, err := dc.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("unable to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	return f.Close()
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// ParseGDriveRef returns the file id of a gdrive:<fileId> reference.
func ParseGDriveRef(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, GDriveRefPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
