package storage

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/colinmarc/hdfs/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scusemua/distributed-cluster/common/types"
)

const (
	defaultHdfsUsername string = "jovyan"
)

// HdfsProvider implements the Provider API for HDFS.
type HdfsProvider struct {
	*baseProvider

	hdfsUsername   string
	directory      string
	deploymentMode types.DeploymentMode

	hdfsClient *hdfs.Client
}

func NewHdfsProvider(addr string, username string, directory string, deploymentMode types.DeploymentMode) *HdfsProvider {
	if username == "" {
		username = defaultHdfsUsername
	}
	return &HdfsProvider{
		baseProvider:   newBaseProvider(addr),
		hdfsUsername:   username,
		directory:      directory,
		deploymentMode: deploymentMode,
	}
}

func (p *HdfsProvider) Connect() error {
	p.sugaredLogger.Debugf("Connecting to remote storage 'hdfs' at '%s'", p.hostname)

	p.status = Connecting

	hdfsClient, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses: []string{p.hostname},
		User:      p.hdfsUsername,
		NamenodeDialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext(ctx, network, address)
			if err != nil {
				p.sugaredLogger.Errorf("Failed to dial HDFS NameNode at address '%s' with network '%s' because: %v", address, network, err)
				return nil, err
			}
			return conn, nil
		},
		// The NameNode hands out the DataNode's own IP for block transfers.
		// Local and compose deployments cannot route to that IP from inside
		// a container, so swap in the NameNode host with the DataNode port.
		DatanodeDialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			if p.deploymentMode == types.LocalMode || p.deploymentMode == types.DockerComposeMode {
				originalAddress := address
				dataNodeAddress := strings.Split(p.hostname, ":")[0]
				dataNodePort := strings.Split(address, ":")[1]
				address = fmt.Sprintf("%s:%s", dataNodeAddress, dataNodePort)
				p.logger.Debug("Modified HDFS DataNode address.",
					zap.String("original_address", originalAddress),
					zap.String("updated_address", address))
			}

			childCtx, cancel := context.WithTimeout(ctx, time.Second*30)
			defer cancel()

			conn, err := (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext(childCtx, network, address)
			if err != nil {
				p.sugaredLogger.Errorf("Failed to dial HDFS DataNode at address '%s' because: %v", address, err)
				return nil, err
			}
			return conn, nil
		},
	})
	if err != nil {
		p.logger.Error("Failed to create HDFS client.",
			zap.String("remote_storage_hostname", p.hostname), zap.Error(err))
		p.status = Disconnected
		return err
	}

	if err = hdfsClient.MkdirAll(p.directory, os.FileMode(0o755)); err != nil {
		p.logger.Error("Failed to create HDFS base directory.",
			zap.String("directory", p.directory), zap.Error(err))
		p.status = Disconnected
		return err
	}

	p.sugaredLogger.Infof("Successfully connected to HDFS at '%s'", p.hostname)
	p.hdfsClient = hdfsClient
	p.status = Connected

	return nil
}

func (p *HdfsProvider) Close() error {
	p.status = Disconnected
	if p.hdfsClient == nil {
		return nil
	}
	return p.hdfsClient.Close()
}

func (p *HdfsProvider) WriteChunk(_ context.Context, key string, data []byte) error {
	if p.hdfsClient == nil {
		return errors.Wrap(ErrNotConnected, "hdfs")
	}

	filePath := p.path(key)

	// Overwrite semantics: HDFS creates fail on existing files.
	if err := p.hdfsClient.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}

	writer, err := p.hdfsClient.Create(filePath)
	if err != nil {
		p.logger.Error("Failed to create HDFS file for log chunk.",
			zap.String("path", filePath), zap.Error(err))
		return err
	}
	if _, err = writer.Write(data); err != nil {
		_ = writer.Close()
		p.logger.Error("Failed to write log chunk to HDFS file.",
			zap.String("path", filePath), zap.Error(err))
		return err
	}
	return writer.Close()
}

func (p *HdfsProvider) Read(_ context.Context, key string) ([]byte, error) {
	if p.hdfsClient == nil {
		return nil, errors.Wrap(ErrNotConnected, "hdfs")
	}

	data, err := p.hdfsClient.ReadFile(p.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	return data, err
}

func (p *HdfsProvider) Delete(_ context.Context, key string) error {
	if p.hdfsClient == nil {
		return errors.Wrap(ErrNotConnected, "hdfs")
	}
	if err := p.hdfsClient.Remove(p.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *HdfsProvider) path(key string) string {
	return path.Join(p.directory, key)
}
