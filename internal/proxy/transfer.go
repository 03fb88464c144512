package proxy

import (
	"context"
	"errors"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize 是回源复制循环的固定块大小。
const chunkSize = 64 << 10

// flushWriter 是客户端响应流，*bufio.Writer 满足该接口。
type flushWriter interface {
	io.Writer
	Flush() error
}

// transferResult 汇总一次复制循环的结果。三个错误互斥，循环遇到任意一个即停止。
type transferResult struct {
	// Received 是已写入磁盘的上游字节数。
	Received    int64
	ClientErr   error
	DiskErr     error
	UpstreamErr error
}

// transfer 把上游字节按块先写磁盘再写客户端。客户端写失败时当前块已落盘，
// 循环随即结束并保留 .part；磁盘写失败同样结束循环，调用方不得再 finalize。
func transfer(client flushWriter, disk io.Writer, upstream io.Reader, limiter *rate.Limiter) transferResult {
	var res transferResult
	buf := make([]byte, chunkSize)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if limiter != nil {
				// burst 不小于 chunkSize，WaitN 只会因 ctx 取消而失败。
				_ = limiter.WaitN(context.Background(), n)
			}
			if _, err := disk.Write(buf[:n]); err != nil {
				res.DiskErr = err
				return res
			}
			res.Received += int64(n)
			upstreamBytes.Add(float64(n))

			if _, err := client.Write(buf[:n]); err != nil {
				res.ClientErr = err
				return res
			}
			if err := client.Flush(); err != nil {
				res.ClientErr = err
				return res
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				res.UpstreamErr = readErr
			}
			return res
		}
	}
}

// newLimiter 返回下载限速器，bytesPerSecond <= 0 表示不限速。
func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), chunkSize)
}
