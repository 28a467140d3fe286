package logger

import "fmt"

// Printf 将格式化日志适配到 Logger，满足 resty.Logger 接口
type Printf struct {
	L Logger
}

func (p Printf) Errorf(format string, v ...any) { p.L.Error(fmt.Sprintf(format, v...)) }
func (p Printf) Warnf(format string, v ...any)  { p.L.Warn(fmt.Sprintf(format, v...)) }
func (p Printf) Debugf(format string, v ...any) { p.L.Debug(fmt.Sprintf(format, v...)) }
