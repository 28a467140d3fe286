package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

type targetsCmd struct{}

func (c *targetsCmd) Run(g *Globals) error {
	rt, err := g.setup()
	if err != nil {
		return err
	}
	svc, err := rt.newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()
	targets, err := svc.ListTargets(ctx)
	if err != nil {
		return err
	}
	printTargets(targets)
	return nil
}

type attachCmd struct {
	Targets  []string      `arg:"" optional:"" help:"要附加的页面ID，为空则附加全部页面并自动接管新页面"`
	Interval time.Duration `default:"1s" help:"自动附加时轮询页面列表的间隔"`
}

func (c *attachCmd) Run(g *Globals) error {
	rt, err := g.setup()
	if err != nil {
		return err
	}
	svc, err := rt.newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if len(c.Targets) == 0 {
		go func() {
			if err := svc.WatchTargets(ctx, c.Interval); err != nil && !errors.Is(err, context.Canceled) {
				rt.log.Err(err, "自动附加已停止")
			}
		}()
	}
	for _, id := range c.Targets {
		if _, err := svc.AttachTarget(ctx, id); err != nil {
			return fmt.Errorf("attach %s: %w", id, err)
		}
	}

	rt.serveMetrics(ctx)
	rt.watch(ctx, svc)
	rt.log.Info("正在退出", "stats", svc.SessionStats())
	return nil
}

type launchCmd struct {
	URL      string `arg:"" optional:"" default:"about:blank" help:"初始打开的地址"`
	Bin      string `help:"浏览器可执行文件路径，为空则自动查找"`
	Headless bool   `help:"无头模式"`
}

func (c *launchCmd) Run(g *Globals) error {
	rt, err := g.setup()
	if err != nil {
		return err
	}
	svc, err := rt.newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	l := launcher.New().Headless(c.Headless)
	if c.Bin != "" {
		l = l.Bin(c.Bin)
	}
	for _, raw := range svc.LaunchFlags() {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	if _, err := svc.AttachPage(ctx, page); err != nil {
		return err
	}
	// 弹窗与新标签页同样需要接管
	go func() {
		if err := svc.WatchBrowser(ctx, browser); err != nil && !errors.Is(err, context.Canceled) {
			rt.log.Err(err, "自动附加已停止")
		}
	}()
	if c.URL != "about:blank" {
		if err := page.Navigate(c.URL); err != nil {
			rt.log.Err(err, "打开页面失败", "url", c.URL)
		}
	}

	rt.serveMetrics(ctx)
	rt.watch(ctx, svc)
	rt.log.Info("正在退出", "stats", svc.SessionStats())
	return nil
}
