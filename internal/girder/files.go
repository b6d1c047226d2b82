package girder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Resource is a folder or item reference returned by listings.
type Resource struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// File is a file reference within an item.
type File struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FolderListing enumerates the direct children of a folder.
type FolderListing struct {
	Folders []Resource `json:"folders"`
	Items   []Resource `json:"items"`
}

// ListFolder enumerates a folder's child folders and items.
func (c *Client) ListFolder(ctx context.Context, folderID string) (*FolderListing, error) {
	var listing FolderListing
	if err := c.doRequest(ctx, http.MethodGet, "/folder/"+folderID, nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// CreateFolder creates a child folder and returns its id.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	var out Resource
	body := map[string]any{"parentId": parentID, "parentType": "folder", "name": name}
	if err := c.doRequest(ctx, http.MethodPost, "/folder", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateItem creates an item in a folder and returns its id.
func (c *Client) CreateItem(ctx context.Context, folderID, name string) (string, error) {
	var out Resource
	body := map[string]any{"folderId": folderID, "name": name}
	if err := c.doRequest(ctx, http.MethodPost, "/item", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ListItemFiles enumerates the files of an item.
func (c *Client) ListItemFiles(ctx context.Context, itemID string) ([]File, error) {
	var files []File
	if err := c.doRequest(ctx, http.MethodGet, "/item/"+itemID+"/files", nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// DownloadItem streams an item's content. The caller must close the reader.
func (c *Client) DownloadItem(ctx context.Context, itemID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/item/"+itemID+"/download", nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Girder-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download item %s: %w", itemID, err)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, &HTTPError{Method: "GET", Path: "/item/" + itemID + "/download", StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// UploadFile creates a file under an item and streams its bytes through the
// chunk endpoint.
func (c *Client) UploadFile(ctx context.Context, itemID, name string, size int64, r io.Reader) error {
	var upload struct {
		ID string `json:"_id"`
	}
	q := url.Values{}
	q.Set("parentType", "item")
	q.Set("parentId", itemID)
	q.Set("name", name)
	q.Set("size", fmt.Sprintf("%d", size))
	if err := c.doRequest(ctx, http.MethodPost, "/file?"+q.Encode(), nil, &upload); err != nil {
		return err
	}
	cq := url.Values{}
	cq.Set("uploadId", upload.ID)
	cq.Set("offset", "0")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/file/chunk?"+cq.Encode(), r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		req.ContentLength = size
	}
	if c.token != "" {
		req.Header.Set("Girder-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload chunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: "POST", Path: "/file/chunk", StatusCode: resp.StatusCode, Body: string(data)}
	}
	return nil
}

// ImportFile registers a remote file by path on an sftp or newt assetstore,
// so output bytes never flow through the engine.
func (c *Client) ImportFile(ctx context.Context, storeType, storeID, itemID, remotePath string, size int64) error {
	body := map[string]any{
		"itemId": itemID,
		"path":   remotePath,
		"size":   size,
	}
	path := fmt.Sprintf("/%s_assetstores/%s/files", storeType, storeID)
	return c.doRequest(ctx, http.MethodPost, path, body, nil)
}
